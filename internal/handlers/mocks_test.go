package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taskhive/backend/internal/middleware"
	"github.com/taskhive/backend/internal/models"
	"github.com/taskhive/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// --- TxBeginner mock ---

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// --- TaskStore mock: in-memory map with the same CAS semantics as the
// SQL transitions. ---

type mockTaskStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*models.Task

	// beforeLock runs before StatusForShareTx takes the mutex, standing in
	// for a concurrent transition committing ahead of the lock.
	beforeLock func()
}

func newMockTaskStore() *mockTaskStore {
	return &mockTaskStore{tasks: make(map[int64]*models.Task)}
}

func (m *mockTaskStore) Create(_ context.Context, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	m.tasks[t.ID] = t
	return nil
}

func (m *mockTaskStore) GetByID(_ context.Context, id int64) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTaskStore) GetByIDTx(ctx context.Context, _ pgx.Tx, id int64) (*models.Task, error) {
	return m.GetByID(ctx, id)
}

func (m *mockTaskStore) StatusForShareTx(_ context.Context, _ pgx.Tx, id int64) (string, error) {
	if m.beforeLock != nil {
		m.beforeLock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return "", repository.ErrNotFound
	}
	return t.Status, nil
}

func (m *mockTaskStore) List(_ context.Context, status string, afterID int64, limit int) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for id := m.nextID; id >= 1 && len(out) < limit+1; id-- {
		t, ok := m.tasks[id]
		if !ok {
			continue
		}
		if afterID > 0 && id >= afterID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockTaskStore) ListByClaimedAgent(_ context.Context, agentID int64, status string) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for id := m.nextID; id >= 1; id-- {
		t, ok := m.tasks[id]
		if !ok || t.ClaimedByAgentID == nil || *t.ClaimedByAgentID != agentID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockTaskStore) cas(id int64, fn func(t *models.Task) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	return fn(t), nil
}

func (m *mockTaskStore) TransitionClaim(_ context.Context, _ pgx.Tx, taskID, agentID int64) (bool, error) {
	return m.cas(taskID, func(t *models.Task) bool {
		if t.Status != models.TaskStatusOpen {
			return false
		}
		t.Status = models.TaskStatusClaimed
		t.ClaimedByAgentID = &agentID
		return true
	})
}

func (m *mockTaskStore) TransitionStart(_ context.Context, _ pgx.Tx, taskID, agentID int64) (bool, error) {
	return m.cas(taskID, func(t *models.Task) bool {
		if t.Status != models.TaskStatusClaimed || t.ClaimedByAgentID == nil || *t.ClaimedByAgentID != agentID {
			return false
		}
		t.Status = models.TaskStatusInProgress
		return true
	})
}

func (m *mockTaskStore) TransitionDeliver(_ context.Context, _ pgx.Tx, taskID, agentID int64) (bool, error) {
	return m.cas(taskID, func(t *models.Task) bool {
		if t.Status != models.TaskStatusClaimed && t.Status != models.TaskStatusInProgress {
			return false
		}
		if t.ClaimedByAgentID == nil || *t.ClaimedByAgentID != agentID {
			return false
		}
		t.Status = models.TaskStatusDelivered
		return true
	})
}

func (m *mockTaskStore) TransitionComplete(_ context.Context, _ pgx.Tx, taskID int64) (bool, error) {
	return m.cas(taskID, func(t *models.Task) bool {
		if t.Status != models.TaskStatusDelivered {
			return false
		}
		t.Status = models.TaskStatusCompleted
		return true
	})
}

func (m *mockTaskStore) TransitionRevision(_ context.Context, _ pgx.Tx, taskID int64) (bool, error) {
	return m.cas(taskID, func(t *models.Task) bool {
		if t.Status != models.TaskStatusDelivered {
			return false
		}
		t.Status = models.TaskStatusInProgress
		return true
	})
}

func (m *mockTaskStore) TransitionRollback(_ context.Context, _ pgx.Tx, taskID int64) (bool, error) {
	return m.cas(taskID, func(t *models.Task) bool {
		if t.Status != models.TaskStatusClaimed {
			return false
		}
		t.Status = models.TaskStatusOpen
		t.ClaimedByAgentID = nil
		return true
	})
}

func (m *mockTaskStore) TransitionCancel(_ context.Context, _ pgx.Tx, taskID int64) (bool, error) {
	return m.cas(taskID, func(t *models.Task) bool {
		if t.Status == models.TaskStatusCompleted || t.Status == models.TaskStatusCancelled {
			return false
		}
		t.Status = models.TaskStatusCancelled
		return true
	})
}

// --- ClaimStore mock ---

type mockClaimStore struct {
	mu     sync.Mutex
	nextID int64
	claims map[int64]*models.Claim
}

func newMockClaimStore() *mockClaimStore {
	return &mockClaimStore{claims: make(map[int64]*models.Claim)}
}

func (m *mockClaimStore) CreateUnlessPending(_ context.Context, _ pgx.Tx, c *models.Claim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.claims {
		if ex.TaskID == c.TaskID && ex.AgentID == c.AgentID && ex.Status == models.ClaimStatusPending {
			return false, nil
		}
	}
	m.nextID++
	c.ID = m.nextID
	m.claims[c.ID] = c
	return true, nil
}

func (m *mockClaimStore) GetByID(_ context.Context, id int64) (*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockClaimStore) Accept(_ context.Context, _ pgx.Tx, claimID, taskID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[claimID]
	if !ok || c.TaskID != taskID || c.Status != models.ClaimStatusPending {
		return false, nil
	}
	c.Status = models.ClaimStatusAccepted
	return true, nil
}

func (m *mockClaimStore) RejectOtherPending(_ context.Context, _ pgx.Tx, taskID, acceptedClaimID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.claims {
		if c.TaskID == taskID && c.ID != acceptedClaimID && c.Status == models.ClaimStatusPending {
			c.Status = models.ClaimStatusRejected
		}
	}
	return nil
}

func (m *mockClaimStore) WithdrawAccepted(_ context.Context, _ pgx.Tx, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.claims {
		if c.TaskID == taskID && c.Status == models.ClaimStatusAccepted {
			c.Status = models.ClaimStatusWithdrawn
		}
	}
	return nil
}

func (m *mockClaimStore) ListByTask(_ context.Context, taskID int64) ([]*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Claim
	for id := int64(1); id <= m.nextID; id++ {
		if c, ok := m.claims[id]; ok && c.TaskID == taskID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockClaimStore) ListByAgent(_ context.Context, agentID int64, status string) ([]*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Claim
	for id := int64(1); id <= m.nextID; id++ {
		c, ok := m.claims[id]
		if !ok || c.AgentID != agentID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// --- DeliverableStore mock ---

type mockDeliverableStore struct {
	mu           sync.Mutex
	nextID       int64
	deliverables map[int64]*models.Deliverable
}

func newMockDeliverableStore() *mockDeliverableStore {
	return &mockDeliverableStore{deliverables: make(map[int64]*models.Deliverable)}
}

func (m *mockDeliverableStore) CreateTx(_ context.Context, _ pgx.Tx, d *models.Deliverable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev := 1
	for _, ex := range m.deliverables {
		if ex.TaskID == d.TaskID {
			rev++
		}
	}
	m.nextID++
	d.ID = m.nextID
	d.RevisionNumber = rev
	d.Status = models.DeliverableStatusSubmitted
	m.deliverables[d.ID] = d
	return nil
}

func (m *mockDeliverableStore) GetSubmittedTx(_ context.Context, _ pgx.Tx, deliverableID, taskID int64) (*models.Deliverable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliverables[deliverableID]
	if !ok || d.TaskID != taskID || d.Status != models.DeliverableStatusSubmitted {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockDeliverableStore) LatestSubmittedTx(_ context.Context, _ pgx.Tx, taskID int64) (*models.Deliverable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Deliverable
	for _, d := range m.deliverables {
		if d.TaskID != taskID || d.Status != models.DeliverableStatusSubmitted {
			continue
		}
		if latest == nil || d.RevisionNumber > latest.RevisionNumber {
			latest = d
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *mockDeliverableStore) Accept(_ context.Context, _ pgx.Tx, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliverables[id]
	if !ok || d.Status != models.DeliverableStatusSubmitted {
		return false, nil
	}
	d.Status = models.DeliverableStatusAccepted
	return true, nil
}

func (m *mockDeliverableStore) RequestRevision(_ context.Context, _ pgx.Tx, id int64, notes string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliverables[id]
	if !ok || d.Status != models.DeliverableStatusSubmitted {
		return false, nil
	}
	d.Status = models.DeliverableStatusRevisionRequested
	d.RevisionNotes = &notes
	return true, nil
}

func (m *mockDeliverableStore) ListByTask(_ context.Context, taskID int64) ([]*models.Deliverable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Deliverable
	for id := int64(1); id <= m.nextID; id++ {
		if d, ok := m.deliverables[id]; ok && d.TaskID == taskID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- AgentStore mock ---

type mockAgentStore struct {
	mu     sync.Mutex
	nextID int64
	agents map[int64]*models.Agent
}

func newMockAgentStore() *mockAgentStore {
	return &mockAgentStore{agents: make(map[int64]*models.Agent)}
}

func (m *mockAgentStore) Create(_ context.Context, a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	m.agents[a.ID] = a
	return nil
}

func (m *mockAgentStore) GetByID(_ context.Context, id int64) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAgentStore) IncrementCompletedTx(_ context.Context, _ pgx.Tx, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.CompletedTasks++
	}
	return nil
}

func (m *mockAgentStore) seed(accountID int64) *models.Agent {
	a := &models.Agent{AccountID: accountID, Name: "agent", Status: models.AgentStatusActive}
	_ = m.Create(context.Background(), a)
	return a
}

// --- Payer mock: real fee math, records calls ---

type mockPayer struct {
	paidAccountID int64
	paidTaskID    int64
	paidBudget    int
	calls         int
}

func (m *mockPayer) Pay(_ context.Context, _ pgx.Tx, operatorAccountID, taskID int64, budget int) (int, error) {
	m.calls++
	m.paidAccountID = operatorAccountID
	m.paidTaskID = taskID
	m.paidBudget = budget
	return budget - budget*10/100, nil
}

// --- EventEmitter mock ---

type mockEmitter struct {
	mu     sync.Mutex
	events []string
}

func (m *mockEmitter) EmitTx(_ context.Context, _ pgx.Tx, event string, _ []int64, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockEmitter) emitted(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e == event {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// injectIdentity attaches an authenticated agent identity to the request.
func injectIdentity(r *http.Request, agent *models.Agent, account *models.Account) *http.Request {
	id := &repository.Identity{Agent: *agent, Account: *account}
	return r.WithContext(middleware.WithIdentity(r.Context(), id))
}

type testEnvelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		Cursor  *int64 `json:"cursor"`
		HasMore *bool  `json:"has_more"`
	} `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v: %s", err, rec.Body.String())
	}
	return env
}

func wantErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.OK {
		t.Fatalf("expected ok=false: %s", rec.Body.String())
	}
	if env.Error == nil || env.Error.Code != code {
		t.Fatalf("expected error code %s: %s", code, rec.Body.String())
	}
}
