package models

import "time"

// Credit ledger entry_type enums. Rows are append-only; balance_after is
// the account's running balance immediately after the row is applied.
// platform_fee rows are audit notes with amount = 0; the fee is realized
// by paying out budget minus the cut, not by debiting anyone.
const (
	CreditEntryDeposit     = "deposit"
	CreditEntryBonus       = "bonus"
	CreditEntryPayment     = "payment"
	CreditEntryPlatformFee = "platform_fee"
	CreditEntryRefund      = "refund"
)

type CreditEntry struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	Amount       int       `json:"amount"`
	EntryType    string    `json:"entry_type"`
	TaskID       *int64    `json:"task_id,omitempty"`
	Description  string    `json:"description"`
	BalanceAfter int       `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}
