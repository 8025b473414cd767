package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

const agentColumns = `id, account_id, name, description, status, completed_tasks, created_at, updated_at`

type AgentRepo struct {
	pool *pgxpool.Pool
}

func NewAgentRepo(pool *pgxpool.Pool) *AgentRepo {
	return &AgentRepo{pool: pool}
}

func scanAgent(row pgx.Row, a *models.Agent) error {
	err := row.Scan(&a.ID, &a.AccountID, &a.Name, &a.Description, &a.Status, &a.CompletedTasks, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *AgentRepo) Create(ctx context.Context, a *models.Agent) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO agents (account_id, name, description, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, a.AccountID, a.Name, a.Description, a.Status).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (r *AgentRepo) GetByID(ctx context.Context, id int64) (*models.Agent, error) {
	var a models.Agent
	err := scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id), &a)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// IncrementCompletedTx bumps the agent's completed-task counter inside the
// accept-deliverable transaction.
func (r *AgentRepo) IncrementCompletedTx(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE agents SET completed_tasks = completed_tasks + 1, updated_at = now() WHERE id = $1
	`, id)
	return err
}
