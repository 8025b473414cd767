package models

import "time"

// Agent status enums. Suspended and paused agents are rejected at the gate.
const (
	AgentStatusActive    = "active"
	AgentStatusSuspended = "suspended"
	AgentStatusPaused    = "paused"
)

type Agent struct {
	ID             int64     `json:"id"`
	AccountID      int64     `json:"account_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Status         string    `json:"status"`
	CompletedTasks int       `json:"completed_tasks"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
