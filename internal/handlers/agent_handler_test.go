package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/taskhive/backend/internal/auth"
	"github.com/taskhive/backend/internal/models"
)

// --- APIKeyStore mock ---

type mockAPIKeyStore struct {
	mu   sync.Mutex
	keys []*models.APIKey
}

func (m *mockAPIKeyStore) Create(_ context.Context, k *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, k)
	return nil
}

// --- CreditStore mock ---

type mockCreditStore struct {
	entries map[int64][]*models.CreditEntry
}

func (m *mockCreditStore) ListByAccount(_ context.Context, accountID int64) ([]*models.CreditEntry, error) {
	return m.entries[accountID], nil
}

// --- AccountGetter mock ---

type mockAccountGetter struct {
	accounts map[int64]*models.Account
}

func (m *mockAccountGetter) GetByID(_ context.Context, id int64) (*models.Account, error) {
	return m.accounts[id], nil
}

// --- CredentialVerifier mock ---

type mockVerifier struct {
	account *models.Account
}

func (m *mockVerifier) VerifyPassword(_ context.Context, email, password string) (*models.Account, error) {
	if m.account == nil || email != m.account.Email || password != "correct horse" {
		return nil, auth.ErrInvalidCredentials
	}
	return m.account, nil
}

func newTestAgentHandler() (*AgentHandler, *mockAgentStore, *mockAPIKeyStore, *mockClaimStore, *mockTaskStore, *mockCreditStore, *mockAccountGetter, *mockVerifier) {
	agents := newMockAgentStore()
	keys := &mockAPIKeyStore{}
	claims := newMockClaimStore()
	tasks := newMockTaskStore()
	credits := &mockCreditStore{entries: make(map[int64][]*models.CreditEntry)}
	accounts := &mockAccountGetter{accounts: make(map[int64]*models.Account)}
	verifier := &mockVerifier{}
	h := NewAgentHandler(agents, keys, claims, tasks, credits, accounts, verifier, slog.Default())
	return h, agents, keys, claims, tasks, credits, accounts, verifier
}

// =====================================================================
// POST /api/v1/agents
// =====================================================================

func TestRegisterAgent_ReturnsKeyOnce(t *testing.T) {
	h, _, keys, _, _, _, _, verifier := newTestAgentHandler()
	verifier.account = &models.Account{ID: 10, Email: "op@example.com"}

	body := `{"email":"op@example.com","password":"correct horse","name":"summarizer","description":"summaries"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	var resp registerAgentResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.APIKey, models.APIKeyPrefix) {
		t.Errorf("expected %s prefix, got %q", models.APIKeyPrefix, resp.APIKey)
	}
	if len(resp.APIKey) != len(models.APIKeyPrefix)+64 {
		t.Errorf("expected %d hex chars after the prefix, got key of length %d", 64, len(resp.APIKey))
	}
	if resp.Agent.AccountID != 10 || resp.Agent.Status != models.AgentStatusActive {
		t.Errorf("unexpected agent: %+v", resp.Agent)
	}

	if len(keys.keys) != 1 {
		t.Fatalf("expected one stored key, got %d", len(keys.keys))
	}
	stored := keys.keys[0]
	if stored.KeyHash == resp.APIKey || stored.KeyHash == "" {
		t.Error("stored key must be a hash, not the raw key")
	}
	if !stored.IsActive {
		t.Error("expected active key")
	}
}

func TestRegisterAgent_BadCredentials(t *testing.T) {
	h, _, _, _, _, _, _, verifier := newTestAgentHandler()
	verifier.account = &models.Account{ID: 10, Email: "op@example.com"}

	body := `{"email":"op@example.com","password":"wrong","name":"summarizer"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	wantErrorCode(t, rec, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestRegisterAgent_MissingName(t *testing.T) {
	h, _, _, _, _, _, _, _ := newTestAgentHandler()

	body := `{"email":"op@example.com","password":"correct horse"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	wantErrorCode(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")
}

// =====================================================================
// GET /api/v1/agents/me, /me/tasks, /me/claims, /me/credits
// =====================================================================

func TestMe(t *testing.T) {
	h, agents, _, _, _, _, _, _ := newTestAgentHandler()
	agent := agents.seed(10)
	acc := &models.Account{ID: 10}

	req := injectIdentity(httptest.NewRequest(http.MethodGet, "/api/v1/agents/me", nil), agent, acc)
	rec := httptest.NewRecorder()
	h.Me(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	var got models.Agent
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != agent.ID || got.AccountID != 10 {
		t.Errorf("unexpected agent: %+v", got)
	}
}

func TestMyTasks_StatusFilter(t *testing.T) {
	h, agents, _, _, tasks, _, _, _ := newTestAgentHandler()
	agent := agents.seed(10)
	acc := &models.Account{ID: 10}

	claimed := seedOpenTask(tasks, 20, 100)
	if ok, _ := tasks.TransitionClaim(context.Background(), noopTx{}, claimed.ID, agent.ID); !ok {
		t.Fatal("seed claim failed")
	}
	seedOpenTask(tasks, 20, 100) // unclaimed, must not appear

	req := injectIdentity(httptest.NewRequest(http.MethodGet, "/api/v1/agents/me/tasks?status=claimed", nil), agent, acc)
	rec := httptest.NewRecorder()
	h.MyTasks(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	var list []*models.Task
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != claimed.ID {
		t.Fatalf("expected only the claimed task, got %+v", list)
	}
}

func TestMyClaims_EmptyIsArray(t *testing.T) {
	h, agents, _, _, _, _, _, _ := newTestAgentHandler()
	agent := agents.seed(10)
	acc := &models.Account{ID: 10}

	req := injectIdentity(httptest.NewRequest(http.MethodGet, "/api/v1/agents/me/claims", nil), agent, acc)
	rec := httptest.NewRecorder()
	h.MyClaims(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty array data, got %s", rec.Body.String())
	}
}

func TestMyCredits_FreshBalance(t *testing.T) {
	h, agents, _, _, _, credits, accounts, _ := newTestAgentHandler()
	agent := agents.seed(10)
	// Cached identity carries a stale balance on purpose.
	acc := &models.Account{ID: 10, CreditBalance: 1}
	accounts.accounts[10] = &models.Account{ID: 10, CreditBalance: 590}
	credits.entries[10] = []*models.CreditEntry{
		{ID: 2, AccountID: 10, EntryType: models.CreditEntryPayment, Amount: 90, BalanceAfter: 590},
		{ID: 1, AccountID: 10, EntryType: models.CreditEntryDeposit, Amount: 500, BalanceAfter: 500},
	}

	req := injectIdentity(httptest.NewRequest(http.MethodGet, "/api/v1/agents/me/credits", nil), agent, acc)
	rec := httptest.NewRecorder()
	h.MyCredits(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	var resp struct {
		Balance int                   `json:"balance"`
		Entries []*models.CreditEntry `json:"entries"`
	}
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != 590 {
		t.Errorf("expected live balance 590, got %d", resp.Balance)
	}
	if len(resp.Entries) != 2 {
		t.Errorf("expected 2 ledger rows, got %d", len(resp.Entries))
	}
}
