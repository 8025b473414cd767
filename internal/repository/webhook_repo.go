package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

type WebhookRepo struct {
	pool *pgxpool.Pool
}

func NewWebhookRepo(pool *pgxpool.Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

// CreateCapped inserts the subscription unless the account already has max
// webhooks. Returns false when the cap is hit. URL uniqueness is not
// enforced. Creates for one account are serialized on the account row so
// the count cannot be read stale by a concurrent create.
func (r *WebhookRepo) CreateCapped(ctx context.Context, w *models.Webhook, max int) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, w.AccountID); err != nil {
		return false, err
	}
	var count int
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM webhooks WHERE account_id = $1`, w.AccountID).Scan(&count)
	if err != nil {
		return false, err
	}
	if count >= max {
		return false, nil
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO webhooks (account_id, url, events)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, w.AccountID, w.URL, w.Events).Scan(&w.ID, &w.CreatedAt)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (r *WebhookRepo) ListByAccount(ctx context.Context, accountID int64) ([]*models.Webhook, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, url, events, created_at FROM webhooks WHERE account_id = $1 ORDER BY id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Webhook
	for rows.Next() {
		var w models.Webhook
		if err := rows.Scan(&w.ID, &w.AccountID, &w.URL, &w.Events, &w.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &w)
	}
	return list, rows.Err()
}

func (r *WebhookRepo) Delete(ctx context.Context, id, accountID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1 AND account_id = $2`, id, accountID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListForEventTx returns subscriptions of the given accounts that listen
// for the event. Runs in the emitting transaction so the webhook jobs are
// enqueued atomically with the state change.
func (r *WebhookRepo) ListForEventTx(ctx context.Context, tx pgx.Tx, accountIDs []int64, event string) ([]*models.Webhook, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, account_id, url, events, created_at FROM webhooks
		WHERE account_id = ANY($1) AND $2 = ANY(events)
	`, accountIDs, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Webhook
	for rows.Next() {
		var w models.Webhook
		if err := rows.Scan(&w.ID, &w.AccountID, &w.URL, &w.Events, &w.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &w)
	}
	return list, rows.Err()
}
