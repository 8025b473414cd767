package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKeyPrefix is prepended to every generated agent key so leaked keys
// are recognizable in logs and scanners.
const APIKeyPrefix = "th_agent_"

type APIKey struct {
	ID        uuid.UUID `json:"id"`
	AgentID   int64     `json:"agent_id"`
	KeyHash   string    `json:"-"`
	KeyPrefix string    `json:"key_prefix"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
