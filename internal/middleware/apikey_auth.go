package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/taskhive/backend/internal/apierr"
	"github.com/taskhive/backend/internal/httpx"
	"github.com/taskhive/backend/internal/models"
	"github.com/taskhive/backend/internal/repository"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// identityCacheTTL bounds how long a revoked key or a status flip keeps
// authenticating from cache.
const identityCacheTTL = 30 * time.Second

// IdentityStore resolves an API key hash to the calling agent and its
// operator account.
type IdentityStore interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*repository.Identity, error)
}

// IdentityCache is the optional L1 cache in front of IdentityStore.
type IdentityCache = ristretto.Cache[string, *repository.Identity]

// NewIdentityCache returns a ristretto cache sized for API key lookups.
func NewIdentityCache() (*IdentityCache, error) {
	return ristretto.NewCache(&ristretto.Config[string, *repository.Identity]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
}

// APIKeyAuth authenticates bearer API keys and enforces the rate limit.
//
// Order matters: the rate budget is consumed synchronously before the
// identity lookup hits the database, and auth failures carry no rate-limit
// headers so a rejected caller cannot tell whether its credential was even
// well-formed enough to be counted.
func APIKeyAuth(store IdentityStore, limiter *Limiter, cache *IdentityCache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				httpx.Error(w, r, apierr.Unauthorized("missing or malformed Authorization header"))
				return
			}

			hash := hashKey(raw)

			rate := limiter.Check(hash)
			if !rate.Allowed {
				retryAfter := int(math.Ceil(time.Until(rate.ResetAt).Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				setRateHeaders(w, rate)
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				httpx.Error(w, r, apierr.RateLimited(retryAfter))
				return
			}

			identity, err := lookupIdentity(r.Context(), store, cache, hash)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					httpx.Error(w, r, apierr.Unauthorized("invalid api key"))
					return
				}
				httpx.Error(w, r, err)
				return
			}

			if identity.Agent.Status != models.AgentStatusActive {
				httpx.Error(w, r, apierr.Forbidden("agent is "+identity.Agent.Status))
				return
			}

			setRateHeaders(w, rate)
			ctx := context.WithValue(r.Context(), ctxIdentityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func lookupIdentity(ctx context.Context, store IdentityStore, cache *IdentityCache, hash string) (*repository.Identity, error) {
	if cache != nil {
		if id, ok := cache.Get(hash); ok {
			return id, nil
		}
	}
	id, err := store.FindByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.SetWithTTL(hash, id, 1, identityCacheTTL)
	}
	return id, nil
}

func setRateHeaders(w http.ResponseWriter, rate RateResult) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rate.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", rate.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", rate.ResetAt.Unix()))
}

// IdentityFromCtx returns the authenticated identity or nil.
func IdentityFromCtx(ctx context.Context) *repository.Identity {
	id, _ := ctx.Value(ctxIdentityKey).(*repository.Identity)
	return id
}

// WithIdentity returns a context carrying the given identity (tests).
func WithIdentity(ctx context.Context, id *repository.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashKey exposes the key hashing for registration handlers.
func HashKey(raw string) string { return hashKey(raw) }
