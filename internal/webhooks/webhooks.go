// Package webhooks delivers task lifecycle events to subscriber URLs.
// Events are enqueued as River jobs inside the transaction that produced
// them, so a state change and its notifications commit or roll back as one
// unit; delivery itself is asynchronous and never affects the request that
// emitted the event.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/taskhive/backend/internal/models"
)

// Task lifecycle event names.
const (
	EventTaskClaimed           = "task.claimed"
	EventTaskDelivered         = "task.delivered"
	EventTaskCompleted         = "task.completed"
	EventTaskRevisionRequested = "task.revision_requested"
	EventTaskRolledBack        = "task.rolled_back"
	EventTaskCancelled         = "task.cancelled"
)

// SendArgs is one webhook delivery job.
type SendArgs struct {
	WebhookID int64           `json:"webhook_id"`
	URL       string          `json:"url"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

func (SendArgs) Kind() string { return "webhook_send" }

// SendWorker POSTs the event to the subscriber. Non-2xx responses are
// returned as errors so River retries with backoff; exhausted retries are
// dropped, never surfaced to the originating request.
type SendWorker struct {
	river.WorkerDefaults[SendArgs]
	httpClient *http.Client
	logger     *slog.Logger
}

func NewSendWorker(logger *slog.Logger) *SendWorker {
	return &SendWorker{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (w *SendWorker) Work(ctx context.Context, job *river.Job[SendArgs]) error {
	args := job.Args

	body, err := json.Marshal(map[string]any{
		"event":   args.Event,
		"payload": args.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, args.URL, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("webhook url rejected", "webhook_id", args.WebhookID, "error", err)
		return nil // permanently broken URL, don't retry
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook %d: %w", args.WebhookID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %d: subscriber returned %d", args.WebhookID, resp.StatusCode)
	}
	w.logger.Debug("webhook delivered", "webhook_id", args.WebhookID, "event", args.Event)
	return nil
}

// InsertTxFunc enqueues a delivery job within the given transaction.
// Provided by main as a closure over river.Client.InsertTx (the client is
// created after the workers, which breaks the init cycle).
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args SendArgs) error

// SubscriptionStore lists subscriptions matching an event.
type SubscriptionStore interface {
	ListForEventTx(ctx context.Context, tx pgx.Tx, accountIDs []int64, event string) ([]*models.Webhook, error)
}

// Dispatcher fans an event out to every matching subscription of the
// interested accounts.
type Dispatcher struct {
	subs   SubscriptionStore
	insert InsertTxFunc
	logger *slog.Logger
}

func NewDispatcher(subs SubscriptionStore, insert InsertTxFunc, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{subs: subs, insert: insert, logger: logger}
}

// EmitTx enqueues one delivery job per matching subscription inside tx.
func (d *Dispatcher) EmitTx(ctx context.Context, tx pgx.Tx, event string, accountIDs []int64, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	hooks, err := d.subs.ListForEventTx(ctx, tx, accountIDs, event)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, h := range hooks {
		if err := d.insert(ctx, tx, SendArgs{
			WebhookID: h.ID,
			URL:       h.URL,
			Event:     event,
			Payload:   raw,
		}); err != nil {
			return fmt.Errorf("enqueue webhook %d: %w", h.ID, err)
		}
	}
	return nil
}
