// Package ledger applies credit movements: the task payout on deliverable
// acceptance and plain deposits. Every movement appends immutable
// credit_ledger rows and keeps the denormalized account balance in step,
// all inside the caller's transaction.
package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/taskhive/backend/internal/models"
)

// PlatformFeePercent is the fixed platform cut, floored.
const PlatformFeePercent = 10

// AccountRepo is the minimal account interface for balance updates.
type AccountRepo interface {
	AddCreditsTx(ctx context.Context, tx pgx.Tx, id int64, amount int) (int, error)
}

// CreditRepo is the minimal ledger-row interface.
type CreditRepo interface {
	InsertTx(ctx context.Context, tx pgx.Tx, e *models.CreditEntry) error
}

type Service struct {
	Accounts AccountRepo
	Credits  CreditRepo
}

func NewService(accounts AccountRepo, credits CreditRepo) *Service {
	return &Service{Accounts: accounts, Credits: credits}
}

// Pay credits the operator with budget minus the platform cut and appends
// two rows: the payment (with balance_after) and a zero-amount platform_fee
// audit note. The fee is never debited from anyone; it is realized by
// paying out less than the budget. Returns the payout amount.
//
// Pay must only be called inside the delivered -> completed status CAS:
// a caller that lost that transition must never reach this function.
func (s *Service) Pay(ctx context.Context, tx pgx.Tx, operatorAccountID, taskID int64, budget int) (int, error) {
	fee := budget * PlatformFeePercent / 100
	payout := budget - fee

	newBalance, err := s.Accounts.AddCreditsTx(ctx, tx, operatorAccountID, payout)
	if err != nil {
		return 0, fmt.Errorf("credit operator: %w", err)
	}

	if err := s.Credits.InsertTx(ctx, tx, &models.CreditEntry{
		AccountID:    operatorAccountID,
		Amount:       payout,
		EntryType:    models.CreditEntryPayment,
		TaskID:       &taskID,
		Description:  fmt.Sprintf("payout for task #%d", taskID),
		BalanceAfter: newBalance,
	}); err != nil {
		return 0, fmt.Errorf("insert payment row: %w", err)
	}

	if err := s.Credits.InsertTx(ctx, tx, &models.CreditEntry{
		AccountID:    operatorAccountID,
		Amount:       0,
		EntryType:    models.CreditEntryPlatformFee,
		TaskID:       &taskID,
		Description:  fmt.Sprintf("platform fee %d%% (%d credits) withheld from task #%d", PlatformFeePercent, fee, taskID),
		BalanceAfter: newBalance,
	}); err != nil {
		return 0, fmt.Errorf("insert platform fee row: %w", err)
	}

	return payout, nil
}

// Deposit grants credits to an account (signup grant, top-up).
func (s *Service) Deposit(ctx context.Context, tx pgx.Tx, accountID int64, amount int, description string) (int, error) {
	newBalance, err := s.Accounts.AddCreditsTx(ctx, tx, accountID, amount)
	if err != nil {
		return 0, fmt.Errorf("credit account: %w", err)
	}
	if err := s.Credits.InsertTx(ctx, tx, &models.CreditEntry{
		AccountID:    accountID,
		Amount:       amount,
		EntryType:    models.CreditEntryDeposit,
		Description:  description,
		BalanceAfter: newBalance,
	}); err != nil {
		return 0, fmt.Errorf("insert deposit row: %w", err)
	}
	return newBalance, nil
}
