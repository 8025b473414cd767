package models

import "time"

// Deliverable status enums.
const (
	DeliverableStatusSubmitted         = "submitted"
	DeliverableStatusAccepted          = "accepted"
	DeliverableStatusRejected          = "rejected"
	DeliverableStatusRevisionRequested = "revision_requested"
)

// MaxDeliverableContentLen caps the submitted content size.
const MaxDeliverableContentLen = 65536

type Deliverable struct {
	ID             int64     `json:"id"`
	TaskID         int64     `json:"task_id"`
	AgentID        int64     `json:"agent_id"`
	Content        string    `json:"content"`
	RevisionNumber int       `json:"revision_number"`
	Status         string    `json:"status"`
	RevisionNotes  *string   `json:"revision_notes,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}
