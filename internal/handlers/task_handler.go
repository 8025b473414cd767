package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskhive/backend/internal/apierr"
	"github.com/taskhive/backend/internal/httpx"
	"github.com/taskhive/backend/internal/middleware"
	"github.com/taskhive/backend/internal/models"
	"github.com/taskhive/backend/internal/repository"
	"github.com/taskhive/backend/internal/webhooks"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	maxTitleLen       = 200
	maxDescriptionLen = 10000
	maxBodyBytes      = 1 << 20
)

type TaskHandler struct {
	pool         TxBeginner
	tasks        TaskStore
	claims       ClaimStore
	deliverables DeliverableStore
	agents       AgentStore
	ledger       Payer
	events       EventEmitter
	logger       *slog.Logger
}

func NewTaskHandler(pool TxBeginner, tasks TaskStore, claims ClaimStore, deliverables DeliverableStore, agents AgentStore, ledger Payer, events EventEmitter, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		pool:         pool,
		tasks:        tasks,
		claims:       claims,
		deliverables: deliverables,
		agents:       agents,
		ledger:       ledger,
		events:       events,
		logger:       logger,
	}
}

var validTaskStatuses = map[string]bool{
	models.TaskStatusOpen:       true,
	models.TaskStatusClaimed:    true,
	models.TaskStatusInProgress: true,
	models.TaskStatusDelivered:  true,
	models.TaskStatusCompleted:  true,
	models.TaskStatusCancelled:  true,
	models.TaskStatusDisputed:   true,
}

type createTaskRequest struct {
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	BudgetCredits int        `json:"budget_credits"`
	MaxRevisions  *int       `json:"max_revisions"`
	Deadline      *time.Time `json:"deadline"`
}

// Create handles POST /api/v1/tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())

	var req createTaskRequest
	if err := httpx.ReadJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if req.Title == "" || len(req.Title) > maxTitleLen {
		httpx.Error(w, r, apierr.Validation("title is required and must be at most 200 characters"))
		return
	}
	if len(req.Description) > maxDescriptionLen {
		httpx.Error(w, r, apierr.Validation("description must be at most 10000 characters"))
		return
	}
	if req.BudgetCredits < models.MinTaskBudget {
		httpx.Error(w, r, apierr.Validation("budget_credits must be at least "+strconv.Itoa(models.MinTaskBudget)))
		return
	}
	maxRevisions := models.DefaultMaxRevisions
	if req.MaxRevisions != nil {
		if *req.MaxRevisions < 0 {
			httpx.Error(w, r, apierr.Validation("max_revisions must not be negative"))
			return
		}
		maxRevisions = *req.MaxRevisions
	}
	if req.Deadline != nil && req.Deadline.Before(time.Now()) {
		httpx.Error(w, r, apierr.Validation("deadline must be in the future"))
		return
	}

	task := &models.Task{
		PosterAccountID: identity.Account.ID,
		Title:           req.Title,
		Description:     req.Description,
		BudgetCredits:   req.BudgetCredits,
		Status:          models.TaskStatusOpen,
		MaxRevisions:    maxRevisions,
		Deadline:        req.Deadline,
	}
	if err := h.tasks.Create(r.Context(), task); err != nil {
		h.logger.Error("create task", "error", err)
		httpx.Error(w, r, err)
		return
	}
	h.logger.Info("task created", "task_id", task.ID, "poster_account_id", task.PosterAccountID, "budget", task.BudgetCredits)
	httpx.OK(w, r, http.StatusCreated, task)
}

// List handles GET /api/v1/tasks with cursor pagination. Results are
// newest first; the cursor is the last returned task ID.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := q.Get("status")
	if status != "" && !validTaskStatuses[status] {
		httpx.Error(w, r, apierr.InvalidParameter("unknown status "+strconv.Quote(status)))
		return
	}

	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			httpx.Error(w, r, apierr.InvalidParameter("limit must be an integer between 1 and 100"))
			return
		}
		limit = n
	}

	var cursor int64
	if raw := q.Get("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			httpx.Error(w, r, apierr.InvalidParameter("cursor must be a positive integer"))
			return
		}
		cursor = n
	}

	tasks, err := h.tasks.List(r.Context(), status, cursor, limit)
	if err != nil {
		h.logger.Error("list tasks", "error", err)
		httpx.Error(w, r, err)
		return
	}

	hasMore := len(tasks) > limit
	if hasMore {
		tasks = tasks[:limit]
	}
	var next int64
	if len(tasks) > 0 {
		next = tasks[len(tasks)-1].ID
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	httpx.OKList(w, r, tasks, next, hasMore)
}

type taskDetail struct {
	*models.Task
	ClaimCount       int `json:"claim_count"`
	DeliverableCount int `json:"deliverable_count"`
}

// Get handles GET /api/v1/tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	task, err := h.tasks.GetByID(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httpx.Error(w, r, apierr.TaskNotFound(taskID))
			return
		}
		httpx.Error(w, r, err)
		return
	}

	claims, err := h.claims.ListByTask(r.Context(), taskID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	deliverables, err := h.deliverables.ListByTask(r.Context(), taskID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	httpx.OK(w, r, http.StatusOK, taskDetail{
		Task:             task,
		ClaimCount:       len(claims),
		DeliverableCount: len(deliverables),
	})
}

type submitClaimRequest struct {
	ProposedCredits int    `json:"proposed_credits"`
	Message         string `json:"message"`
}

// SubmitClaim handles POST /api/v1/tasks/{id}/claims.
func (h *TaskHandler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())

	taskID, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	var req submitClaimRequest
	if err := httpx.ReadJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}

	task, err := h.tasks.GetByID(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httpx.Error(w, r, apierr.TaskNotFound(taskID))
			return
		}
		httpx.Error(w, r, err)
		return
	}
	if task.Status != models.TaskStatusOpen {
		httpx.Error(w, r, apierr.TaskNotOpen(task.Status))
		return
	}
	if req.ProposedCredits < 1 || req.ProposedCredits > task.BudgetCredits {
		httpx.Error(w, r, apierr.InvalidCredits(
			"proposed_credits must be between 1 and "+strconv.Itoa(task.BudgetCredits)))
		return
	}

	claim := &models.Claim{
		TaskID:          taskID,
		AgentID:         identity.Agent.ID,
		ProposedCredits: req.ProposedCredits,
		Message:         req.Message,
		Status:          models.ClaimStatusPending,
	}

	tx, err := h.pool.Begin(r.Context())
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	defer tx.Rollback(r.Context())

	// Re-check under a share lock: an accept committing between the read
	// above and this insert would otherwise leave a stray pending claim on
	// a task that is no longer open.
	status, err := h.tasks.StatusForShareTx(r.Context(), tx, taskID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if status != models.TaskStatusOpen {
		httpx.Error(w, r, apierr.TaskNotOpen(status))
		return
	}

	created, err := h.claims.CreateUnlessPending(r.Context(), tx, claim)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !created {
		httpx.Error(w, r, apierr.DuplicateClaim())
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		httpx.Error(w, r, err)
		return
	}

	h.logger.Info("claim submitted", "task_id", taskID, "claim_id", claim.ID, "agent_id", claim.AgentID)
	httpx.OK(w, r, http.StatusCreated, claim)
}

// AcceptClaim handles POST /api/v1/tasks/{id}/claims/{claimID}/accept.
// The open->claimed CAS decides the winner when several claims race; the
// losing poster request observes TASK_NOT_OPEN.
func (h *TaskHandler) AcceptClaim(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	ctx := r.Context()

	taskID, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	claimID, err := pathID(r, "claimID")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httpx.Error(w, r, apierr.TaskNotFound(taskID))
			return
		}
		httpx.Error(w, r, err)
		return
	}
	if task.PosterAccountID != identity.Account.ID {
		httpx.Error(w, r, apierr.Forbidden("only the task poster can accept claims"))
		return
	}

	claim, err := h.claims.GetByID(ctx, claimID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httpx.Error(w, r, apierr.InvalidStatus("claim is not pending for this task"))
			return
		}
		httpx.Error(w, r, err)
		return
	}
	if claim.TaskID != taskID {
		httpx.Error(w, r, apierr.InvalidStatus("claim is not pending for this task"))
		return
	}

	agent, err := h.agents.GetByID(ctx, claim.AgentID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	defer tx.Rollback(ctx)

	ok, err := h.tasks.TransitionClaim(ctx, tx, taskID, claim.AgentID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !ok {
		httpx.Error(w, r, h.conflictErr(ctx, tx, taskID, apierr.TaskNotOpen))
		return
	}
	ok, err = h.claims.Accept(ctx, tx, claimID, taskID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !ok {
		httpx.Error(w, r, apierr.InvalidStatus("claim is no longer pending"))
		return
	}
	if err := h.claims.RejectOtherPending(ctx, tx, taskID, claimID); err != nil {
		httpx.Error(w, r, err)
		return
	}
	err = h.events.EmitTx(ctx, tx, webhooks.EventTaskClaimed,
		[]int64{task.PosterAccountID, agent.AccountID},
		map[string]any{"task_id": taskID, "claim_id": claimID, "agent_id": claim.AgentID})
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		httpx.Error(w, r, err)
		return
	}

	h.logger.Info("claim accepted", "task_id", taskID, "claim_id", claimID, "agent_id", claim.AgentID)
	h.respondTask(w, r, taskID, http.StatusOK)
}

// Start handles POST /api/v1/tasks/{id}/start. Optional: submitting a
// deliverable from the claimed state works without it.
func (h *TaskHandler) Start(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	ctx := r.Context()

	taskID, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	defer tx.Rollback(ctx)

	ok, err := h.tasks.TransitionStart(ctx, tx, taskID, identity.Agent.ID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !ok {
		httpx.Error(w, r, h.agentConflictErr(ctx, tx, taskID, models.TaskStatusClaimed))
		return
	}
	if err := tx.Commit(ctx); err != nil {
		httpx.Error(w, r, err)
		return
	}

	h.respondTask(w, r, taskID, http.StatusOK)
}

type submitDeliverableRequest struct {
	Content string `json:"content"`
}

// SubmitDeliverable handles POST /api/v1/tasks/{id}/deliverables. Moves
// the task to delivered and numbers the revision inside one transaction.
func (h *TaskHandler) SubmitDeliverable(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	ctx := r.Context()

	taskID, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	var req submitDeliverableRequest
	if err := httpx.ReadJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if req.Content == "" {
		httpx.Error(w, r, apierr.Validation("content is required"))
		return
	}
	if len(req.Content) > models.MaxDeliverableContentLen {
		httpx.Error(w, r, apierr.Validation("content must be at most 65536 characters"))
		return
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	defer tx.Rollback(ctx)

	ok, err := h.tasks.TransitionDeliver(ctx, tx, taskID, identity.Agent.ID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !ok {
		httpx.Error(w, r, h.agentConflictErr(ctx, tx, taskID,
			models.TaskStatusClaimed, models.TaskStatusInProgress))
		return
	}

	task, err := h.tasks.GetByIDTx(ctx, tx, taskID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	d := &models.Deliverable{
		TaskID:  taskID,
		AgentID: identity.Agent.ID,
		Content: req.Content,
		Status:  models.DeliverableStatusSubmitted,
	}
	if err := h.deliverables.CreateTx(ctx, tx, d); err != nil {
		httpx.Error(w, r, err)
		return
	}
	err = h.events.EmitTx(ctx, tx, webhooks.EventTaskDelivered,
		[]int64{task.PosterAccountID, identity.Account.ID},
		map[string]any{"task_id": taskID, "deliverable_id": d.ID, "revision_number": d.RevisionNumber})
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		httpx.Error(w, r, err)
		return
	}

	h.logger.Info("deliverable submitted", "task_id", taskID, "deliverable_id", d.ID, "revision", d.RevisionNumber)
	httpx.OK(w, r, http.StatusCreated, d)
}

type reviewRequest struct {
	Verdict string `json:"verdict"`
	Notes   string `json:"notes"`
}

// Review handles POST /api/v1/tasks/{id}/review with verdict "accept" or
// "revise" against the task's current submitted deliverable.
func (h *TaskHandler) Review(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	ctx := r.Context()

	taskID, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	var req reviewRequest
	if err := httpx.ReadJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if req.Verdict != "accept" && req.Verdict != "revise" {
		httpx.Error(w, r, apierr.Validation(`verdict must be "accept" or "revise"`))
		return
	}

	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httpx.Error(w, r, apierr.TaskNotFound(taskID))
			return
		}
		httpx.Error(w, r, err)
		return
	}
	if task.PosterAccountID != identity.Account.ID {
		httpx.Error(w, r, apierr.Forbidden("only the task poster can review deliverables"))
		return
	}

	if req.Verdict == "accept" {
		h.reviewAccept(w, r, task)
		return
	}
	h.reviewRevise(w, r, task, req.Notes)
}

func (h *TaskHandler) reviewAccept(w http.ResponseWriter, r *http.Request, task *models.Task) {
	ctx := r.Context()

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	defer tx.Rollback(ctx)

	ok, err := h.tasks.TransitionComplete(ctx, tx, task.ID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !ok {
		httpx.Error(w, r, h.conflictErr(ctx, tx, task.ID, func(status string) *apierr.Error {
			return apierr.InvalidStatus("task is " + status + ", not delivered")
		}))
		return
	}

	// Re-read inside the tx: the CAS holds the row lock and claimed_by
	// is authoritative here.
	task, err = h.tasks.GetByIDTx(ctx, tx, task.ID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if task.ClaimedByAgentID == nil {
		httpx.Error(w, r, apierr.Internal())
		return
	}

	d, err := h.deliverables.LatestSubmittedTx(ctx, tx, task.ID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if _, err := h.deliverables.Accept(ctx, tx, d.ID); err != nil {
		httpx.Error(w, r, err)
		return
	}

	agent, err := h.agents.GetByID(ctx, *task.ClaimedByAgentID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	payout, err := h.ledger.Pay(ctx, tx, agent.AccountID, task.ID, task.BudgetCredits)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := h.agents.IncrementCompletedTx(ctx, tx, agent.ID); err != nil {
		httpx.Error(w, r, err)
		return
	}
	err = h.events.EmitTx(ctx, tx, webhooks.EventTaskCompleted,
		[]int64{task.PosterAccountID, agent.AccountID},
		map[string]any{"task_id": task.ID, "deliverable_id": d.ID, "payout_credits": payout})
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		httpx.Error(w, r, err)
		return
	}

	h.logger.Info("task completed", "task_id", task.ID, "agent_id", agent.ID, "payout", payout)
	httpx.OK(w, r, http.StatusOK, map[string]any{
		"task":           task,
		"payout_credits": payout,
	})
}

func (h *TaskHandler) reviewRevise(w http.ResponseWriter, r *http.Request, task *models.Task, notes string) {
	ctx := r.Context()

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	defer tx.Rollback(ctx)

	d, err := h.deliverables.LatestSubmittedTx(ctx, tx, task.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httpx.Error(w, r, apierr.InvalidStatus("task has no deliverable awaiting review"))
			return
		}
		httpx.Error(w, r, err)
		return
	}
	// Revision N of the work is deliverable revision_number N+1, so the
	// budget is exhausted once the submitted revision exceeds the cap.
	if d.RevisionNumber > task.MaxRevisions {
		httpx.Error(w, r, apierr.MaxRevisions(task.MaxRevisions))
		return
	}

	ok, err := h.tasks.TransitionRevision(ctx, tx, task.ID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !ok {
		httpx.Error(w, r, h.conflictErr(ctx, tx, task.ID, func(status string) *apierr.Error {
			return apierr.InvalidStatus("task is " + status + ", not delivered")
		}))
		return
	}
	ok, err = h.deliverables.RequestRevision(ctx, tx, d.ID, notes)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !ok {
		httpx.Error(w, r, apierr.InvalidStatus("deliverable was already reviewed"))
		return
	}

	agent, err := h.agents.GetByID(ctx, d.AgentID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	err = h.events.EmitTx(ctx, tx, webhooks.EventTaskRevisionRequested,
		[]int64{task.PosterAccountID, agent.AccountID},
		map[string]any{"task_id": task.ID, "deliverable_id": d.ID, "notes": notes})
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		httpx.Error(w, r, err)
		return
	}

	h.logger.Info("revision requested", "task_id", task.ID, "deliverable_id", d.ID, "revision", d.RevisionNumber)
	h.respondTask(w, r, task.ID, http.StatusOK)
}

// Rollback handles POST /api/v1/tasks/{id}/rollback: claimed -> open, the
// accepted claim is withdrawn and the slot reopens for other agents.
func (h *TaskHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	ctx := r.Context()

	taskID, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httpx.Error(w, r, apierr.TaskNotFound(taskID))
			return
		}
		httpx.Error(w, r, err)
		return
	}
	if task.PosterAccountID != identity.Account.ID {
		httpx.Error(w, r, apierr.Forbidden("only the task poster can roll back a claim"))
		return
	}

	var agentAccountID int64
	if task.ClaimedByAgentID != nil {
		agent, err := h.agents.GetByID(ctx, *task.ClaimedByAgentID)
		if err != nil {
			httpx.Error(w, r, err)
			return
		}
		agentAccountID = agent.AccountID
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	defer tx.Rollback(ctx)

	ok, err := h.tasks.TransitionRollback(ctx, tx, taskID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !ok {
		httpx.Error(w, r, h.conflictErr(ctx, tx, taskID, apierr.TaskNotClaimed))
		return
	}
	if err := h.claims.WithdrawAccepted(ctx, tx, taskID); err != nil {
		httpx.Error(w, r, err)
		return
	}
	accounts := []int64{task.PosterAccountID}
	if agentAccountID != 0 {
		accounts = append(accounts, agentAccountID)
	}
	err = h.events.EmitTx(ctx, tx, webhooks.EventTaskRolledBack, accounts,
		map[string]any{"task_id": taskID, "previous_status": models.TaskStatusClaimed})
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		httpx.Error(w, r, err)
		return
	}

	updated, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	h.logger.Info("task rolled back", "task_id", taskID)
	httpx.OK(w, r, http.StatusOK, map[string]any{
		"task":            updated,
		"previous_status": models.TaskStatusClaimed,
	})
}

// Cancel handles POST /api/v1/tasks/{id}/cancel for any non-terminal task.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	ctx := r.Context()

	taskID, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httpx.Error(w, r, apierr.TaskNotFound(taskID))
			return
		}
		httpx.Error(w, r, err)
		return
	}
	if task.PosterAccountID != identity.Account.ID {
		httpx.Error(w, r, apierr.Forbidden("only the task poster can cancel a task"))
		return
	}

	var agentAccountID int64
	if task.ClaimedByAgentID != nil {
		agent, err := h.agents.GetByID(ctx, *task.ClaimedByAgentID)
		if err != nil {
			httpx.Error(w, r, err)
			return
		}
		agentAccountID = agent.AccountID
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	defer tx.Rollback(ctx)

	ok, err := h.tasks.TransitionCancel(ctx, tx, taskID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !ok {
		httpx.Error(w, r, h.conflictErr(ctx, tx, taskID, func(status string) *apierr.Error {
			return apierr.InvalidStatus("task is already " + status)
		}))
		return
	}
	accounts := []int64{task.PosterAccountID}
	if agentAccountID != 0 {
		accounts = append(accounts, agentAccountID)
	}
	err = h.events.EmitTx(ctx, tx, webhooks.EventTaskCancelled, accounts,
		map[string]any{"task_id": taskID})
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		httpx.Error(w, r, err)
		return
	}

	h.logger.Info("task cancelled", "task_id", taskID)
	h.respondTask(w, r, taskID, http.StatusOK)
}

// conflictErr builds the 409 for a failed CAS by reading the current
// status inside the tx. A vanished row maps to TASK_NOT_FOUND.
func (h *TaskHandler) conflictErr(ctx context.Context, tx pgx.Tx, taskID int64, mk func(status string) *apierr.Error) error {
	task, err := h.tasks.GetByIDTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierr.TaskNotFound(taskID)
		}
		return err
	}
	return mk(task.Status)
}

// agentConflictErr distinguishes "wrong state" from "not your task" after
// an agent-guarded CAS fails.
func (h *TaskHandler) agentConflictErr(ctx context.Context, tx pgx.Tx, taskID int64, fromStatuses ...string) error {
	task, err := h.tasks.GetByIDTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierr.TaskNotFound(taskID)
		}
		return err
	}
	for _, s := range fromStatuses {
		if task.Status == s {
			return apierr.Forbidden("task is claimed by another agent")
		}
	}
	return apierr.InvalidStatus("task is " + task.Status + ", expected " + fromStatuses[0])
}

func (h *TaskHandler) respondTask(w http.ResponseWriter, r *http.Request, taskID int64, status int) {
	task, err := h.tasks.GetByID(r.Context(), taskID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.OK(w, r, status, task)
}
