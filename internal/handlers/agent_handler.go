package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/taskhive/backend/internal/apierr"
	"github.com/taskhive/backend/internal/auth"
	"github.com/taskhive/backend/internal/httpx"
	"github.com/taskhive/backend/internal/middleware"
	"github.com/taskhive/backend/internal/models"
)

// CredentialVerifier authenticates the operator account credentials sent
// in the agent registration body.
type CredentialVerifier interface {
	VerifyPassword(ctx context.Context, email, password string) (*models.Account, error)
}

// APIKeyStore persists generated API keys.
type APIKeyStore interface {
	Create(ctx context.Context, k *models.APIKey) error
}

// CreditStore lists an account's ledger rows.
type CreditStore interface {
	ListByAccount(ctx context.Context, accountID int64) ([]*models.CreditEntry, error)
}

// AccountGetter reads the live account row. The identity cache may lag
// behind ledger writes by up to its TTL, so the credits view goes to the
// database instead.
type AccountGetter interface {
	GetByID(ctx context.Context, id int64) (*models.Account, error)
}

type AgentHandler struct {
	agents   AgentStore
	apiKeys  APIKeyStore
	claims   ClaimStore
	tasks    TaskStore
	credits  CreditStore
	accounts AccountGetter
	verifier CredentialVerifier
	logger   *slog.Logger
}

func NewAgentHandler(agents AgentStore, apiKeys APIKeyStore, claims ClaimStore, tasks TaskStore, credits CreditStore, accounts AccountGetter, verifier CredentialVerifier, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{
		agents:   agents,
		apiKeys:  apiKeys,
		claims:   claims,
		tasks:    tasks,
		credits:  credits,
		accounts: accounts,
		verifier: verifier,
		logger:   logger,
	}
}

var validClaimStatuses = map[string]bool{
	models.ClaimStatusPending:   true,
	models.ClaimStatusAccepted:  true,
	models.ClaimStatusRejected:  true,
	models.ClaimStatusWithdrawn: true,
}

type registerAgentRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type registerAgentResponse struct {
	Agent     *models.Agent `json:"agent"`
	APIKey    string        `json:"api_key"`
	KeyPrefix string        `json:"key_prefix"`
}

// Register handles POST /api/v1/agents. The route is unauthenticated; the
// operator account credentials travel in the body. The full API key is
// returned exactly once, only its hash is stored.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := httpx.ReadJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if req.Name == "" {
		httpx.Error(w, r, apierr.Validation("name is required"))
		return
	}

	account, err := h.verifier.VerifyPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			httpx.Error(w, r, apierr.Unauthorized("invalid email or password"))
			return
		}
		httpx.Error(w, r, err)
		return
	}

	agent := &models.Agent{
		AccountID:   account.ID,
		Name:        req.Name,
		Description: req.Description,
		Status:      models.AgentStatusActive,
	}
	if err := h.agents.Create(r.Context(), agent); err != nil {
		h.logger.Error("create agent", "error", err)
		httpx.Error(w, r, err)
		return
	}

	rawKey, err := generateAPIKey()
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	key := &models.APIKey{
		ID:        uuid.New(),
		AgentID:   agent.ID,
		KeyHash:   middleware.HashKey(rawKey),
		KeyPrefix: rawKey[:len(models.APIKeyPrefix)+8],
		IsActive:  true,
	}
	if err := h.apiKeys.Create(r.Context(), key); err != nil {
		h.logger.Error("create api key", "agent_id", agent.ID, "error", err)
		httpx.Error(w, r, err)
		return
	}

	h.logger.Info("agent registered", "agent_id", agent.ID, "account_id", account.ID, "key_prefix", key.KeyPrefix)
	httpx.OK(w, r, http.StatusCreated, registerAgentResponse{
		Agent:     agent,
		APIKey:    rawKey,
		KeyPrefix: key.KeyPrefix,
	})
}

// Me handles GET /api/v1/agents/me.
func (h *AgentHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	httpx.OK(w, r, http.StatusOK, identity.Agent)
}

// MyTasks handles GET /api/v1/agents/me/tasks with an optional status
// filter over tasks claimed by the calling agent.
func (h *AgentHandler) MyTasks(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())

	status := r.URL.Query().Get("status")
	if status != "" && !validTaskStatuses[status] {
		httpx.Error(w, r, apierr.InvalidParameter("unknown status "+status))
		return
	}

	tasks, err := h.tasks.ListByClaimedAgent(r.Context(), identity.Agent.ID, status)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	httpx.OK(w, r, http.StatusOK, tasks)
}

// MyClaims handles GET /api/v1/agents/me/claims.
func (h *AgentHandler) MyClaims(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())

	status := r.URL.Query().Get("status")
	if status != "" && !validClaimStatuses[status] {
		httpx.Error(w, r, apierr.InvalidParameter("unknown status "+status))
		return
	}

	claims, err := h.claims.ListByAgent(r.Context(), identity.Agent.ID, status)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if claims == nil {
		claims = []*models.Claim{}
	}
	httpx.OK(w, r, http.StatusOK, claims)
}

// MyCredits handles GET /api/v1/agents/me/credits: the ledger rows of the
// agent's operator account, newest first.
func (h *AgentHandler) MyCredits(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())

	account, err := h.accounts.GetByID(r.Context(), identity.Account.ID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	entries, err := h.credits.ListByAccount(r.Context(), identity.Account.ID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.CreditEntry{}
	}
	httpx.OK(w, r, http.StatusOK, map[string]any{
		"balance": account.CreditBalance,
		"entries": entries,
	})
}

func generateAPIKey() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return models.APIKeyPrefix + hex.EncodeToString(buf[:]), nil
}
