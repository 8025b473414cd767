package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

// Begin outcomes for an idempotency key.
const (
	IdemProceed  = "proceed"  // lock taken, execute the handler
	IdemReplay   = "replay"   // completed record, serve the cached response
	IdemMismatch = "mismatch" // key reused for a different path or body
	IdemInFlight = "in_flight"
)

// IdemResult is the outcome of IdempotencyRepo.Begin. LockID is set for
// IdemProceed; Record is set for IdemReplay.
type IdemResult struct {
	Outcome string
	LockID  int64
	Record  *models.IdempotencyRecord
}

type IdempotencyRepo struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepo(pool *pgxpool.Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

// Begin takes or inspects the lock for (agentID, key). Expired rows are
// swept opportunistically first; the sweep is best-effort and its error is
// ignored. staleAfter bounds how long a crashed holder poisons the key.
func (r *IdempotencyRepo) Begin(ctx context.Context, agentID int64, key, path, bodyHash string, ttl, staleAfter time.Duration) (*IdemResult, error) {
	_, _ = r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < now()`)

	var lockID int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO idempotency_keys (agent_id, idem_key, request_path, body_hash, locked_at, expires_at)
		VALUES ($1, $2, $3, $4, now(), now() + $5)
		ON CONFLICT (agent_id, idem_key) DO NOTHING
		RETURNING id
	`, agentID, key, path, bodyHash, ttl).Scan(&lockID)
	if err == nil {
		return &IdemResult{Outcome: IdemProceed, LockID: lockID}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// A record already exists for this (agent, key).
	var rec models.IdempotencyRecord
	err = r.pool.QueryRow(ctx, `
		SELECT id, agent_id, idem_key, request_path, body_hash, locked_at, completed_at, response_status, response_body, expires_at
		FROM idempotency_keys WHERE agent_id = $1 AND idem_key = $2
	`, agentID, key).Scan(&rec.ID, &rec.AgentID, &rec.Key, &rec.RequestPath, &rec.BodyHash, &rec.LockedAt, &rec.CompletedAt, &rec.ResponseStatus, &rec.ResponseBody, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Deleted between insert and select (swept or failed); treat as in
		// flight and let the client retry.
		return &IdemResult{Outcome: IdemInFlight}, nil
	}
	if err != nil {
		return nil, err
	}

	if rec.RequestPath != path || rec.BodyHash != bodyHash {
		return &IdemResult{Outcome: IdemMismatch}, nil
	}
	if rec.Completed() {
		return &IdemResult{Outcome: IdemReplay, Record: &rec}, nil
	}
	if time.Since(rec.LockedAt) < staleAfter {
		return &IdemResult{Outcome: IdemInFlight}, nil
	}

	// Stale lock: the previous holder crashed mid-request. Reclaim it with
	// a conditional update so only one retrier wins.
	tag, err := r.pool.Exec(ctx, `
		UPDATE idempotency_keys SET locked_at = now(), expires_at = now() + $2
		WHERE id = $1 AND completed_at IS NULL AND locked_at < now() - $3
	`, rec.ID, ttl, staleAfter)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return &IdemResult{Outcome: IdemInFlight}, nil
	}
	return &IdemResult{Outcome: IdemProceed, LockID: rec.ID}, nil
}

// Complete caches the response on the lock so later retries replay it.
func (r *IdempotencyRepo) Complete(ctx context.Context, lockID int64, status int, body []byte) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE idempotency_keys SET completed_at = now(), response_status = $2, response_body = $3
		WHERE id = $1
	`, lockID, status, body)
	return err
}

// Fail deletes the record so the key can be retried from scratch.
func (r *IdempotencyRepo) Fail(ctx context.Context, lockID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE id = $1`, lockID)
	return err
}
