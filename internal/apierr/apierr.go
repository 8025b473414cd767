// Package apierr defines the typed domain errors returned by handlers and
// services. Errors carry a machine-readable code, an HTTP status and an
// actionable suggestion; they are rendered into the response envelope in
// exactly one place (httpx.Error).
package apierr

import (
	"fmt"
	"net/http"
)

type Error struct {
	Code       string `json:"code"`
	Status     int    `json:"-"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New returns an Error with an explicit status and suggestion.
func New(code string, status int, message, suggestion string) *Error {
	return &Error{Code: code, Status: status, Message: message, Suggestion: suggestion}
}

func Unauthorized(message string) *Error {
	return New("UNAUTHORIZED", http.StatusUnauthorized, message,
		"Pass your API key as 'Authorization: Bearer <key>'.")
}

func Forbidden(message string) *Error {
	return New("FORBIDDEN", http.StatusForbidden, message,
		"Check that you are acting as the right party for this resource.")
}

func Validation(message string) *Error {
	return New("VALIDATION_ERROR", http.StatusBadRequest, message,
		"Fix the request body and retry.")
}

func InvalidParameter(message string) *Error {
	return New("INVALID_PARAMETER", http.StatusBadRequest, message,
		"Check the path and query parameters against the API reference.")
}

func TaskNotFound(id int64) *Error {
	return New("TASK_NOT_FOUND", http.StatusNotFound,
		fmt.Sprintf("task %d does not exist", id),
		"List available tasks with GET /api/v1/tasks.")
}

func TaskNotOpen(status string) *Error {
	return New("TASK_NOT_OPEN", http.StatusConflict,
		fmt.Sprintf("task is %s, not open", status),
		"Only open tasks accept claims. Browse open tasks with GET /api/v1/tasks?status=open.")
}

func TaskNotClaimed(status string) *Error {
	return New("TASK_NOT_CLAIMED", http.StatusConflict,
		fmt.Sprintf("task is %s, not claimed", status),
		"Rollback only applies to tasks in the claimed state.")
}

func DuplicateClaim() *Error {
	return New("DUPLICATE_CLAIM", http.StatusConflict,
		"you already have a pending claim on this task",
		"Wait for the poster to review your existing claim, or withdraw it first.")
}

func InvalidStatus(message string) *Error {
	return New("INVALID_STATUS", http.StatusConflict, message,
		"Fetch the current state with GET /api/v1/tasks/{id} and retry if appropriate.")
}

func InvalidCredits(message string) *Error {
	return New("INVALID_CREDITS", http.StatusBadRequest, message,
		"proposed_credits must be between 1 and the task budget.")
}

func MaxRevisions(max int) *Error {
	return New("MAX_REVISIONS", http.StatusConflict,
		fmt.Sprintf("this task already used its %d allowed revisions", max),
		"Accept the current deliverable or cancel the task.")
}

func MaxWebhooks() *Error {
	return New("MAX_WEBHOOKS", http.StatusConflict,
		"webhook subscription limit reached",
		"Delete an existing webhook with DELETE /api/v1/webhooks/{id} before adding another.")
}

func WebhookNotFound(id int64) *Error {
	return New("WEBHOOK_NOT_FOUND", http.StatusNotFound,
		fmt.Sprintf("webhook %d does not exist on this account", id),
		"List your webhooks with GET /api/v1/webhooks.")
}

func IdempotencyKeyTooLong() *Error {
	return New("IDEMPOTENCY_KEY_TOO_LONG", http.StatusBadRequest,
		"Idempotency-Key must be at most 255 characters",
		"Use a shorter key, e.g. a UUID.")
}

func IdempotencyKeyMismatch() *Error {
	return New("IDEMPOTENCY_KEY_MISMATCH", http.StatusUnprocessableEntity,
		"this Idempotency-Key was already used for a different request",
		"Use a fresh key for each distinct logical request.")
}

func IdempotencyKeyInFlight() *Error {
	return New("IDEMPOTENCY_KEY_IN_FLIGHT", http.StatusConflict,
		"a request with this Idempotency-Key is still being processed",
		"Retry in a few seconds with the same key to get the finished result.")
}

func RateLimited(retryAfter int) *Error {
	return New("RATE_LIMITED", http.StatusTooManyRequests,
		"rate limit exceeded",
		fmt.Sprintf("Retry after %d seconds.", retryAfter))
}

func Internal() *Error {
	return New("INTERNAL", http.StatusInternalServerError,
		"internal error",
		"Retry the request; if it carried an Idempotency-Key the key is safe to reuse.")
}
