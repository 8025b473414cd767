package models

import "time"

// MaxIdempotencyKeyLen bounds the client-supplied Idempotency-Key header.
const MaxIdempotencyKeyLen = 255

// IdempotencyRecord is one row per (agent, key). A record is a lock while
// completed_at is null; completing it caches the response for replay.
type IdempotencyRecord struct {
	ID             int64
	AgentID        int64
	Key            string
	RequestPath    string
	BodyHash       string
	LockedAt       time.Time
	CompletedAt    *time.Time
	ResponseStatus *int
	ResponseBody   []byte
	ExpiresAt      time.Time
}

// Completed reports whether the record holds a cached response.
func (r *IdempotencyRecord) Completed() bool { return r.CompletedAt != nil }
