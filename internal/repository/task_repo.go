package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

// ErrNotFound is returned by Get* methods when no row matches.
var ErrNotFound = errors.New("not found")

const taskColumns = `id, poster_account_id, title, description, budget_credits, status, claimed_by_agent_id, max_revisions, deadline, created_at, updated_at`

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func scanTask(row pgx.Row, t *models.Task) error {
	err := row.Scan(&t.ID, &t.PosterAccountID, &t.Title, &t.Description, &t.BudgetCredits, &t.Status, &t.ClaimedByAgentID, &t.MaxRevisions, &t.Deadline, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *TaskRepo) Create(ctx context.Context, t *models.Task) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO tasks (poster_account_id, title, description, budget_credits, status, max_revisions, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, t.PosterAccountID, t.Title, t.Description, t.BudgetCredits, t.Status, t.MaxRevisions, t.Deadline).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id int64) (*models.Task, error) {
	var t models.Task
	err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id), &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByIDTx reads the task inside the caller's transaction.
func (r *TaskRepo) GetByIDTx(ctx context.Context, tx pgx.Tx, id int64) (*models.Task, error) {
	var t models.Task
	err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id), &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// StatusForShareTx reads the task status under a share lock. A racing
// transition waits on the lock, so its commit lands strictly before or
// after the caller's transaction, never in between.
func (r *TaskRepo) StatusForShareTx(ctx context.Context, tx pgx.Tx, id int64) (string, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR SHARE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

// List returns tasks newest-first with keyset pagination. afterID = 0 means
// start from the newest; status = "" means any status. Returns up to
// limit+1 rows so callers can detect whether more pages exist.
func (r *TaskRepo) List(ctx context.Context, status string, afterID int64, limit int) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE ($1 = '' OR status = $1) AND ($2::bigint = 0 OR id < $2)
		ORDER BY id DESC LIMIT $3
	`, status, afterID, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListByClaimedAgent returns tasks currently or previously assigned to the agent.
func (r *TaskRepo) ListByClaimedAgent(ctx context.Context, agentID int64, status string) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE claimed_by_agent_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY id DESC
	`, agentID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*models.Task, error) {
	var list []*models.Task
	for rows.Next() {
		var t models.Task
		if err := scanTask(rows, &t); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

// The Transition* methods are the state machine's compare-and-swap writes.
// Each returns false when the guard did not hold at the moment of the
// write, which is how a racing caller loses a transition.

func (r *TaskRepo) TransitionClaim(ctx context.Context, tx pgx.Tx, taskID, agentID int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $3, claimed_by_agent_id = $2, updated_at = now()
		WHERE id = $1 AND status = $4
	`, taskID, agentID, models.TaskStatusClaimed, models.TaskStatusOpen)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *TaskRepo) TransitionStart(ctx context.Context, tx pgx.Tx, taskID, agentID int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $3, updated_at = now()
		WHERE id = $1 AND claimed_by_agent_id = $2 AND status = $4
	`, taskID, agentID, models.TaskStatusInProgress, models.TaskStatusClaimed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// TransitionDeliver moves claimed or in_progress to delivered. The first
// deliverable skips in_progress entirely.
func (r *TaskRepo) TransitionDeliver(ctx context.Context, tx pgx.Tx, taskID, agentID int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $3, updated_at = now()
		WHERE id = $1 AND claimed_by_agent_id = $2 AND status IN ($4, $5)
	`, taskID, agentID, models.TaskStatusDelivered, models.TaskStatusClaimed, models.TaskStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// TransitionComplete is the delivered -> completed CAS guarding the payout:
// a concurrent accept that loses this write never reaches the ledger.
func (r *TaskRepo) TransitionComplete(ctx context.Context, tx pgx.Tx, taskID int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, taskID, models.TaskStatusCompleted, models.TaskStatusDelivered)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *TaskRepo) TransitionRevision(ctx context.Context, tx pgx.Tx, taskID int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, taskID, models.TaskStatusInProgress, models.TaskStatusDelivered)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *TaskRepo) TransitionRollback(ctx context.Context, tx pgx.Tx, taskID int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $2, claimed_by_agent_id = NULL, updated_at = now()
		WHERE id = $1 AND status = $3
	`, taskID, models.TaskStatusOpen, models.TaskStatusClaimed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *TaskRepo) TransitionCancel(ctx context.Context, tx pgx.Tx, taskID int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = now()
		WHERE id = $1 AND status NOT IN ($3, $4)
	`, taskID, models.TaskStatusCancelled, models.TaskStatusCompleted, models.TaskStatusCancelled)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
