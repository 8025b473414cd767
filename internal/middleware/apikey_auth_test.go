package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/taskhive/backend/internal/models"
	"github.com/taskhive/backend/internal/repository"
)

type mockIdentityStore struct {
	identities map[string]*repository.Identity
	lookups    int
}

func (m *mockIdentityStore) FindByKeyHash(_ context.Context, keyHash string) (*repository.Identity, error) {
	m.lookups++
	id, ok := m.identities[keyHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return id, nil
}

func authSetup(limit int) (*mockIdentityStore, *Limiter, string) {
	rawKey := models.APIKeyPrefix + strings.Repeat("ab", 32)
	store := &mockIdentityStore{identities: map[string]*repository.Identity{
		hashKey(rawKey): {
			Agent:   models.Agent{ID: 1, AccountID: 10, Status: models.AgentStatusActive},
			Account: models.Account{ID: 10},
		},
	}}
	return store, NewLimiter(limit, time.Minute), rawKey
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IdentityFromCtx(r.Context()) == nil {
			t.Error("handler reached without identity in context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func doAuth(store IdentityStore, limiter *Limiter, authorization string, next http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	APIKeyAuth(store, limiter, nil)(next).ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyAuth_ValidKey(t *testing.T) {
	store, limiter, rawKey := authSetup(100)

	rec := doAuth(store, limiter, "Bearer "+rawKey, okHandler(t))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Limit") != "100" {
		t.Errorf("expected X-RateLimit-Limit=100, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Errorf("expected X-RateLimit-Remaining=99, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset header")
	}
}

func TestAPIKeyAuth_MissingHeader(t *testing.T) {
	store, limiter, _ := authSetup(100)

	rec := doAuth(store, limiter, "", failHandler(t))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("auth failures must not carry rate-limit headers")
	}
	if limiter.Len() != 0 {
		t.Error("malformed requests must not consume rate budget")
	}
}

func TestAPIKeyAuth_MalformedHeader(t *testing.T) {
	store, limiter, rawKey := authSetup(100)

	for _, h := range []string{"Basic dXNlcg==", rawKey, "Bearer"} {
		rec := doAuth(store, limiter, h, failHandler(t))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", h, rec.Code)
		}
	}
}

func TestAPIKeyAuth_UnknownKey(t *testing.T) {
	store, limiter, _ := authSetup(100)

	rec := doAuth(store, limiter, "Bearer "+models.APIKeyPrefix+strings.Repeat("ff", 32), failHandler(t))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("401 must not expose rate-limit headers")
	}
	// The attempt still burned budget: unknown keys are counted.
	if limiter.Len() != 1 {
		t.Error("unknown key lookup should consume rate budget")
	}
}

func TestAPIKeyAuth_SuspendedAgent(t *testing.T) {
	store, limiter, rawKey := authSetup(100)
	for _, id := range store.identities {
		id.Agent.Status = models.AgentStatusSuspended
	}

	rec := doAuth(store, limiter, "Bearer "+rawKey, failHandler(t))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "suspended") {
		t.Errorf("expected status in message: %s", rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("403 must not expose rate-limit headers")
	}
}

func TestAPIKeyAuth_RateLimited(t *testing.T) {
	store, limiter, rawKey := authSetup(2)

	for i := 0; i < 2; i++ {
		if rec := doAuth(store, limiter, "Bearer "+rawKey, okHandler(t)); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	lookupsBefore := store.lookups

	rec := doAuth(store, limiter, "Bearer "+rawKey, failHandler(t))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if store.lookups != lookupsBefore {
		t.Error("rate limiting must short-circuit before the identity lookup")
	}
	if !strings.Contains(rec.Body.String(), "RATE_LIMITED") {
		t.Errorf("expected RATE_LIMITED error: %s", rec.Body.String())
	}
}

func TestAPIKeyAuth_CacheSkipsSecondLookup(t *testing.T) {
	store, limiter, rawKey := authSetup(100)
	cache, err := NewIdentityCache()
	if err != nil {
		t.Fatalf("NewIdentityCache: %v", err)
	}
	defer cache.Close()

	mw := APIKeyAuth(store, limiter, cache)(okHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	cache.Wait()

	rec = httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("second request: %d", rec.Code)
	}
	if store.lookups != 1 {
		t.Errorf("expected 1 DB lookup with warm cache, got %d", store.lookups)
	}
}

func failHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler must not be reached")
	})
}
