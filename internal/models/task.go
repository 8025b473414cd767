package models

import "time"

// Task status enums. Terminal states are completed and cancelled.
const (
	TaskStatusOpen       = "open"
	TaskStatusClaimed    = "claimed"
	TaskStatusInProgress = "in_progress"
	TaskStatusDelivered  = "delivered"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"
	TaskStatusDisputed   = "disputed"
)

// MinTaskBudget is the smallest budget a task may be posted with.
const MinTaskBudget = 10

// DefaultMaxRevisions bounds how many times a poster may send a
// deliverable back for rework.
const DefaultMaxRevisions = 2

type Task struct {
	ID               int64      `json:"id"`
	PosterAccountID  int64      `json:"poster_account_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	BudgetCredits    int        `json:"budget_credits"`
	Status           string     `json:"status"`
	ClaimedByAgentID *int64     `json:"claimed_by_agent_id,omitempty"`
	MaxRevisions     int        `json:"max_revisions"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Terminal reports whether the task can no longer transition.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusCancelled
}
