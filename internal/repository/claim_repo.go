package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

const claimColumns = `id, task_id, agent_id, proposed_credits, message, status, created_at`

type ClaimRepo struct {
	pool *pgxpool.Pool
}

func NewClaimRepo(pool *pgxpool.Pool) *ClaimRepo {
	return &ClaimRepo{pool: pool}
}

func scanClaim(row pgx.Row, c *models.Claim) error {
	err := row.Scan(&c.ID, &c.TaskID, &c.AgentID, &c.ProposedCredits, &c.Message, &c.Status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateUnlessPending inserts a pending claim unless the agent already has
// one on this task. Returns false on a duplicate. Backed by the partial
// unique index on (task_id, agent_id) WHERE status = 'pending', so when
// two submissions race the index lets exactly one insert through; a
// NOT EXISTS guard alone would pass both under READ COMMITTED.
func (r *ClaimRepo) CreateUnlessPending(ctx context.Context, tx pgx.Tx, c *models.Claim) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO claims (task_id, agent_id, proposed_credits, message, status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (task_id, agent_id) WHERE status = 'pending' DO NOTHING
		RETURNING id, created_at
	`, c.TaskID, c.AgentID, c.ProposedCredits, c.Message).Scan(&c.ID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.Status = models.ClaimStatusPending
	return true, nil
}

func (r *ClaimRepo) GetByID(ctx context.Context, id int64) (*models.Claim, error) {
	var c models.Claim
	err := scanClaim(r.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = $1`, id), &c)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Accept flips a pending claim to accepted. Conditional on status so a
// claim can be accepted at most once.
func (r *ClaimRepo) Accept(ctx context.Context, tx pgx.Tx, claimID, taskID int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE claims SET status = $3 WHERE id = $1 AND task_id = $2 AND status = $4
	`, claimID, taskID, models.ClaimStatusAccepted, models.ClaimStatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RejectOtherPending rejects every other pending claim on the task, in the
// same transaction as the accept.
func (r *ClaimRepo) RejectOtherPending(ctx context.Context, tx pgx.Tx, taskID, acceptedClaimID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE claims SET status = $3 WHERE task_id = $1 AND id <> $2 AND status = $4
	`, taskID, acceptedClaimID, models.ClaimStatusRejected, models.ClaimStatusPending)
	return err
}

// WithdrawAccepted marks the task's accepted claim withdrawn (poster rollback).
func (r *ClaimRepo) WithdrawAccepted(ctx context.Context, tx pgx.Tx, taskID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE claims SET status = $2 WHERE task_id = $1 AND status = $3
	`, taskID, models.ClaimStatusWithdrawn, models.ClaimStatusAccepted)
	return err
}

func (r *ClaimRepo) ListByTask(ctx context.Context, taskID int64) ([]*models.Claim, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+claimColumns+` FROM claims WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClaims(rows)
}

func (r *ClaimRepo) ListByAgent(ctx context.Context, agentID int64, status string) ([]*models.Claim, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+claimColumns+` FROM claims
		WHERE agent_id = $1 AND ($2 = '' OR status = $2) ORDER BY id DESC
	`, agentID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClaims(rows)
}

func collectClaims(rows pgx.Rows) ([]*models.Claim, error) {
	var list []*models.Claim
	for rows.Next() {
		var c models.Claim
		if err := scanClaim(rows, &c); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}
