package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

type APIKeyRepo struct {
	pool *pgxpool.Pool
}

func NewAPIKeyRepo(pool *pgxpool.Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

// Identity is the resolved caller of an API request: the key's agent and
// the operator account that owns the agent.
type Identity struct {
	Agent   models.Agent
	Account models.Account
}

func (r *APIKeyRepo) Create(ctx context.Context, k *models.APIKey) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, agent_id, key_hash, key_prefix, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, k.ID, k.AgentID, k.KeyHash, k.KeyPrefix, k.IsActive).Scan(&k.CreatedAt)
}

// FindByKeyHash resolves an active key hash to the agent and its operator
// account, or ErrNotFound.
func (r *APIKeyRepo) FindByKeyHash(ctx context.Context, keyHash string) (*Identity, error) {
	var id Identity
	err := r.pool.QueryRow(ctx, `
		SELECT ag.id, ag.account_id, ag.name, ag.description, ag.status, ag.completed_tasks, ag.created_at, ag.updated_at,
		       ac.id, ac.email, ac.name, ac.password_hash, ac.credit_balance, ac.created_at, ac.updated_at
		FROM api_keys k
		INNER JOIN agents ag ON ag.id = k.agent_id
		INNER JOIN accounts ac ON ac.id = ag.account_id
		WHERE k.key_hash = $1 AND k.is_active = TRUE
	`, keyHash).Scan(
		&id.Agent.ID, &id.Agent.AccountID, &id.Agent.Name, &id.Agent.Description, &id.Agent.Status, &id.Agent.CompletedTasks, &id.Agent.CreatedAt, &id.Agent.UpdatedAt,
		&id.Account.ID, &id.Account.Email, &id.Account.Name, &id.Account.PasswordHash, &id.Account.CreditBalance, &id.Account.CreatedAt, &id.Account.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}
