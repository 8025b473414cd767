package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

// InsertTx appends a ledger row inside the caller's transaction. Rows are
// never updated or deleted afterwards.
func (r *CreditRepo) InsertTx(ctx context.Context, tx pgx.Tx, e *models.CreditEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (account_id, amount, entry_type, task_id, description, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, e.AccountID, e.Amount, e.EntryType, e.TaskID, e.Description, e.BalanceAfter).Scan(&e.ID, &e.CreatedAt)
}

// ListByAccount returns the account's ledger rows in insertion order.
func (r *CreditRepo) ListByAccount(ctx context.Context, accountID int64) ([]*models.CreditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, amount, entry_type, task_id, description, balance_after, created_at
		FROM credit_ledger WHERE account_id = $1 ORDER BY id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditEntry
	for rows.Next() {
		var e models.CreditEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.EntryType, &e.TaskID, &e.Description, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
