package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/taskhive/backend/internal/apierr"
	"github.com/taskhive/backend/internal/httpx"
	"github.com/taskhive/backend/internal/middleware"
	"github.com/taskhive/backend/internal/models"
	"github.com/taskhive/backend/internal/webhooks"
)

// WebhookStore manages an account's webhook subscriptions.
type WebhookStore interface {
	CreateCapped(ctx context.Context, w *models.Webhook, max int) (bool, error)
	ListByAccount(ctx context.Context, accountID int64) ([]*models.Webhook, error)
	Delete(ctx context.Context, id, accountID int64) (bool, error)
}

type WebhookHandler struct {
	store  WebhookStore
	logger *slog.Logger
}

func NewWebhookHandler(store WebhookStore, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{store: store, logger: logger}
}

var knownEvents = []string{
	webhooks.EventTaskClaimed,
	webhooks.EventTaskDelivered,
	webhooks.EventTaskCompleted,
	webhooks.EventTaskRevisionRequested,
	webhooks.EventTaskRolledBack,
	webhooks.EventTaskCancelled,
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// Create handles POST /api/v1/webhooks. Registering the same URL twice is
// allowed; the per-account cap is the only limit.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())

	var req createWebhookRequest
	if err := httpx.ReadJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		httpx.Error(w, r, apierr.Validation("url must be a valid http or https URL"))
		return
	}
	if len(req.Events) == 0 {
		httpx.Error(w, r, apierr.Validation("events must name at least one event"))
		return
	}
	for _, e := range req.Events {
		if !slices.Contains(knownEvents, e) {
			httpx.Error(w, r, apierr.Validation("unknown event "+e))
			return
		}
	}

	hook := &models.Webhook{
		AccountID: identity.Account.ID,
		URL:       req.URL,
		Events:    req.Events,
	}
	created, err := h.store.CreateCapped(r.Context(), hook, models.MaxWebhooksPerAccount)
	if err != nil {
		h.logger.Error("create webhook", "error", err)
		httpx.Error(w, r, err)
		return
	}
	if !created {
		httpx.Error(w, r, apierr.MaxWebhooks())
		return
	}

	h.logger.Info("webhook created", "webhook_id", hook.ID, "account_id", hook.AccountID)
	httpx.OK(w, r, http.StatusCreated, hook)
}

// List handles GET /api/v1/webhooks.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())

	hooks, err := h.store.ListByAccount(r.Context(), identity.Account.ID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if hooks == nil {
		hooks = []*models.Webhook{}
	}
	httpx.OK(w, r, http.StatusOK, hooks)
}

// Delete handles DELETE /api/v1/webhooks/{id}. Scoped to the caller's
// account so one account cannot delete another's subscription.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	deleted, err := h.store.Delete(r.Context(), id, identity.Account.ID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !deleted {
		httpx.Error(w, r, apierr.WebhookNotFound(id))
		return
	}
	httpx.OK(w, r, http.StatusOK, map[string]any{"deleted": true})
}
