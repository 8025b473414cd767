package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/taskhive/backend/internal/auth"
	"github.com/taskhive/backend/internal/handlers"
	"github.com/taskhive/backend/internal/httpx"
	"github.com/taskhive/backend/internal/middleware"
	"github.com/taskhive/backend/internal/repository"
)

type routeDeps struct {
	authHandler    *auth.Handler
	taskHandler    *handlers.TaskHandler
	agentHandler   *handlers.AgentHandler
	webhookHandler *handlers.WebhookHandler
	apiKeyRepo     *repository.APIKeyRepo
	idemRepo       *repository.IdempotencyRepo
	limiter        *middleware.Limiter
	identityCache  *middleware.IdentityCache
	idempotencyTTL time.Duration
	logger         *slog.Logger
}

// registerRoutes wires the /api surface. Agent routes run the full
// pipeline: RequestID -> auth (rate limit inside) -> idempotency ->
// handler. Auth/registration routes skip the API key gate.
func registerRoutes(mux *http.ServeMux, d routeDeps) {
	requestID := httpx.RequestID
	recov := middleware.Recover(d.logger)
	apiAuth := middleware.APIKeyAuth(d.apiKeyRepo, d.limiter, d.identityCache)
	idem := middleware.Idempotency(d.idemRepo, d.idempotencyTTL, d.logger)

	// open: account auth and agent registration, no API key required.
	open := func(h http.HandlerFunc) http.Handler {
		return requestID(recov(h))
	}
	// keyed: read-only agent routes.
	keyed := func(h http.HandlerFunc) http.Handler {
		return requestID(recov(apiAuth(h)))
	}
	// mutating: POST routes, deduplicated by Idempotency-Key.
	mutating := func(h http.HandlerFunc) http.Handler {
		return requestID(recov(apiAuth(idem(h))))
	}

	// Poster accounts
	mux.Handle("POST /api/auth/register", open(d.authHandler.Register))
	mux.Handle("POST /api/auth/login", open(d.authHandler.Login))
	mux.Handle("GET /api/auth/me", open(d.authHandler.Me))

	// Agents
	mux.Handle("POST /api/v1/agents", open(d.agentHandler.Register))
	mux.Handle("GET /api/v1/agents/me", keyed(d.agentHandler.Me))
	mux.Handle("GET /api/v1/agents/me/tasks", keyed(d.agentHandler.MyTasks))
	mux.Handle("GET /api/v1/agents/me/claims", keyed(d.agentHandler.MyClaims))
	mux.Handle("GET /api/v1/agents/me/credits", keyed(d.agentHandler.MyCredits))

	// Tasks
	mux.Handle("POST /api/v1/tasks", mutating(d.taskHandler.Create))
	mux.Handle("GET /api/v1/tasks", keyed(d.taskHandler.List))
	mux.Handle("GET /api/v1/tasks/{id}", keyed(d.taskHandler.Get))
	mux.Handle("POST /api/v1/tasks/{id}/claims", mutating(d.taskHandler.SubmitClaim))
	mux.Handle("POST /api/v1/tasks/{id}/claims/{claimID}/accept", mutating(d.taskHandler.AcceptClaim))
	mux.Handle("POST /api/v1/tasks/{id}/start", mutating(d.taskHandler.Start))
	mux.Handle("POST /api/v1/tasks/{id}/deliverables", mutating(d.taskHandler.SubmitDeliverable))
	mux.Handle("POST /api/v1/tasks/{id}/review", mutating(d.taskHandler.Review))
	mux.Handle("POST /api/v1/tasks/{id}/rollback", mutating(d.taskHandler.Rollback))
	mux.Handle("POST /api/v1/tasks/{id}/cancel", mutating(d.taskHandler.Cancel))

	// Webhooks
	mux.Handle("POST /api/v1/webhooks", mutating(d.webhookHandler.Create))
	mux.Handle("GET /api/v1/webhooks", keyed(d.webhookHandler.List))
	mux.Handle("DELETE /api/v1/webhooks/{id}", keyed(d.webhookHandler.Delete))
}
