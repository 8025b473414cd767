// Package handlers implements the /api/v1 surface: the task, claim and
// deliverable state machine, agent self-service and webhook subscriptions.
// Multi-row transitions run inside a single transaction with conditional
// status updates; a caller that loses a race observes a 409, never a
// half-applied state.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/taskhive/backend/internal/apierr"
	"github.com/taskhive/backend/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a
// pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TaskStore is the task repository surface used by handlers.
type TaskStore interface {
	Create(ctx context.Context, t *models.Task) error
	GetByID(ctx context.Context, id int64) (*models.Task, error)
	GetByIDTx(ctx context.Context, tx pgx.Tx, id int64) (*models.Task, error)
	StatusForShareTx(ctx context.Context, tx pgx.Tx, id int64) (string, error)
	List(ctx context.Context, status string, afterID int64, limit int) ([]*models.Task, error)
	ListByClaimedAgent(ctx context.Context, agentID int64, status string) ([]*models.Task, error)
	TransitionClaim(ctx context.Context, tx pgx.Tx, taskID, agentID int64) (bool, error)
	TransitionStart(ctx context.Context, tx pgx.Tx, taskID, agentID int64) (bool, error)
	TransitionDeliver(ctx context.Context, tx pgx.Tx, taskID, agentID int64) (bool, error)
	TransitionComplete(ctx context.Context, tx pgx.Tx, taskID int64) (bool, error)
	TransitionRevision(ctx context.Context, tx pgx.Tx, taskID int64) (bool, error)
	TransitionRollback(ctx context.Context, tx pgx.Tx, taskID int64) (bool, error)
	TransitionCancel(ctx context.Context, tx pgx.Tx, taskID int64) (bool, error)
}

// ClaimStore is the claim repository surface used by handlers.
type ClaimStore interface {
	CreateUnlessPending(ctx context.Context, tx pgx.Tx, c *models.Claim) (bool, error)
	GetByID(ctx context.Context, id int64) (*models.Claim, error)
	Accept(ctx context.Context, tx pgx.Tx, claimID, taskID int64) (bool, error)
	RejectOtherPending(ctx context.Context, tx pgx.Tx, taskID, acceptedClaimID int64) error
	WithdrawAccepted(ctx context.Context, tx pgx.Tx, taskID int64) error
	ListByTask(ctx context.Context, taskID int64) ([]*models.Claim, error)
	ListByAgent(ctx context.Context, agentID int64, status string) ([]*models.Claim, error)
}

// DeliverableStore is the deliverable repository surface used by handlers.
type DeliverableStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, d *models.Deliverable) error
	GetSubmittedTx(ctx context.Context, tx pgx.Tx, deliverableID, taskID int64) (*models.Deliverable, error)
	LatestSubmittedTx(ctx context.Context, tx pgx.Tx, taskID int64) (*models.Deliverable, error)
	Accept(ctx context.Context, tx pgx.Tx, id int64) (bool, error)
	RequestRevision(ctx context.Context, tx pgx.Tx, id int64, notes string) (bool, error)
	ListByTask(ctx context.Context, taskID int64) ([]*models.Deliverable, error)
}

// AgentStore resolves agents and bumps their completion counter.
type AgentStore interface {
	Create(ctx context.Context, a *models.Agent) error
	GetByID(ctx context.Context, id int64) (*models.Agent, error)
	IncrementCompletedTx(ctx context.Context, tx pgx.Tx, id int64) error
}

// Payer is the ledger payout invoked on deliverable acceptance.
type Payer interface {
	Pay(ctx context.Context, tx pgx.Tx, operatorAccountID, taskID int64, budget int) (int, error)
}

// EventEmitter hands lifecycle events to the webhook dispatcher. Delivery
// is the dispatcher's problem; handlers only enqueue inside their tx.
type EventEmitter interface {
	EmitTx(ctx context.Context, tx pgx.Tx, event string, accountIDs []int64, payload any) error
}

// pathID parses a {name} path segment as a positive integer ID.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apierr.InvalidParameter(name + " must be a positive integer")
	}
	return id, nil
}
