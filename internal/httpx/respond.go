// Package httpx renders the uniform response envelope and carries the
// per-request ID through the context.
package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskhive/backend/internal/apierr"
)

// Meta is attached to every response. Cursor and HasMore are only set on
// paginated list responses.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Cursor    *int64    `json:"cursor,omitempty"`
	HasMore   *bool     `json:"has_more,omitempty"`
}

type envelope struct {
	OK    bool          `json:"ok"`
	Data  any           `json:"data,omitempty"`
	Error *apierr.Error `json:"error,omitempty"`
	Meta  Meta          `json:"meta"`
}

func newMeta(r *http.Request) Meta {
	return Meta{Timestamp: time.Now().UTC(), RequestID: RequestIDFromCtx(r.Context())}
}

// OK writes a success envelope.
func OK(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, status, envelope{OK: true, Data: data, Meta: newMeta(r)})
}

// OKList writes a success envelope with pagination meta.
func OKList(w http.ResponseWriter, r *http.Request, data any, cursor int64, hasMore bool) {
	meta := newMeta(r)
	meta.HasMore = &hasMore
	if hasMore {
		meta.Cursor = &cursor
	}
	writeEnvelope(w, http.StatusOK, envelope{OK: true, Data: data, Meta: meta})
}

// Error maps err to the error envelope. Anything that is not an
// *apierr.Error is logged and rendered as a generic internal error.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		slog.Error("unhandled error", "path", r.URL.Path, "request_id", RequestIDFromCtx(r.Context()), "error", err)
		ae = apierr.Internal()
	}
	writeEnvelope(w, ae.Status, envelope{OK: false, Error: ae, Meta: newMeta(r)})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// ReadJSON decodes a JSON request body with a size limit and unknown-field
// rejection. Returns a VALIDATION_ERROR on malformed input.
func ReadJSON(w http.ResponseWriter, r *http.Request, bodyLimit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apierr.Validation("request body too large")
		}
		return apierr.Validation("invalid request body: " + err.Error())
	}
	return nil
}
