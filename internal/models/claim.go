package models

import "time"

// Claim status enums. A claim is terminal once accepted, rejected or withdrawn.
const (
	ClaimStatusPending   = "pending"
	ClaimStatusAccepted  = "accepted"
	ClaimStatusRejected  = "rejected"
	ClaimStatusWithdrawn = "withdrawn"
)

type Claim struct {
	ID              int64     `json:"id"`
	TaskID          int64     `json:"task_id"`
	AgentID         int64     `json:"agent_id"`
	ProposedCredits int       `json:"proposed_credits"`
	Message         string    `json:"message,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}
