package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskhive/backend/internal/apierr"
	"github.com/taskhive/backend/internal/httpx"
	"github.com/taskhive/backend/internal/models"
	"github.com/taskhive/backend/internal/repository"
)

const headerIdempotencyKey = "Idempotency-Key"
const headerIdempotencyReplayed = "X-Idempotency-Replayed"

// maxIdempotencyBody caps how much request body is hashed and how much
// response body is cached for replay.
const maxIdempotencyBody = 1 << 20 // 1 MB

// staleLockAfter is how long an in-flight lock blocks duplicates before a
// crashed holder's lock may be reclaimed.
const staleLockAfter = 30 * time.Second

// IdemStore is the persistence contract for idempotency records.
type IdemStore interface {
	Begin(ctx context.Context, agentID int64, key, path, bodyHash string, ttl, staleAfter time.Duration) (*repository.IdemResult, error)
	Complete(ctx context.Context, lockID int64, status int, body []byte) error
	Fail(ctx context.Context, lockID int64) error
}

// Idempotency deduplicates POST requests carrying an Idempotency-Key
// header, scoped to the authenticated agent. GET and other read methods
// bypass it entirely. Must run after APIKeyAuth.
func Idempotency(store IdemStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(headerIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > models.MaxIdempotencyKeyLen {
				httpx.Error(w, r, apierr.IdempotencyKeyTooLong())
				return
			}

			identity := IdentityFromCtx(r.Context())
			if identity == nil {
				httpx.Error(w, r, apierr.Unauthorized("missing identity"))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotencyBody+1))
			if err != nil {
				httpx.Error(w, r, apierr.Validation("could not read request body"))
				return
			}
			if len(body) > maxIdempotencyBody {
				httpx.Error(w, r, apierr.Validation("request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			sum := sha256.Sum256(body)
			bodyHash := hex.EncodeToString(sum[:])

			res, err := store.Begin(r.Context(), identity.Agent.ID, key, r.URL.Path, bodyHash, ttl, staleLockAfter)
			if err != nil {
				httpx.Error(w, r, err)
				return
			}

			switch res.Outcome {
			case repository.IdemReplay:
				rec := res.Record
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(headerIdempotencyReplayed, "true")
				status := http.StatusOK
				if rec.ResponseStatus != nil {
					status = *rec.ResponseStatus
				}
				w.WriteHeader(status)
				_, _ = w.Write(rec.ResponseBody)
				return
			case repository.IdemMismatch:
				httpx.Error(w, r, apierr.IdempotencyKeyMismatch())
				return
			case repository.IdemInFlight:
				httpx.Error(w, r, apierr.IdempotencyKeyInFlight())
				return
			}

			// Lock taken: run the handler, capture the response, and
			// either cache it for replay or release the lock so the key
			// stays retryable after a crash.
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}

			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panic", "path", r.URL.Path, "panic", p)
					if err := store.Fail(r.Context(), res.LockID); err != nil {
						logger.Error("release idempotency lock", "error", err)
					}
					httpx.Error(w, r, apierr.Internal())
					return
				}
				if rec.status >= http.StatusInternalServerError {
					if err := store.Fail(r.Context(), res.LockID); err != nil {
						logger.Error("release idempotency lock", "error", err)
					}
					return
				}
				if err := store.Complete(r.Context(), res.LockID, rec.status, rec.body.Bytes()); err != nil {
					logger.Error("store idempotent response", "error", err)
				}
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

// responseRecorder tees the response so it can be cached for replay.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
