package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zoff-tech/go-remedy/schema"
)

// MemoryStore is a mutex-guarded in-process ExceptionStore. It backs unit
// tests and the `type: memory` local mode, and is the semantic reference
// for the durable backends.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
	global  *tenantState // playbooks with tenant_id ""
	seq     int64
}

type tenantState struct {
	events     []*memEvent
	byID       map[string]*memEvent
	exceptions map[string]*ExceptionRecord
	attempts   map[string]int
	dlq        map[string]*DLQEntry
	dlqOrder   []string
	playbooks  []schema.PlaybookDefinition
}

type memEvent struct {
	env       schema.Envelope
	seq       int64
	topic     string
	status    PublishStatus
	attempts  int
	updatedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*tenantState),
		global:  newTenantState(),
	}
}

func newTenantState() *tenantState {
	return &tenantState{
		byID:       make(map[string]*memEvent),
		exceptions: make(map[string]*ExceptionRecord),
		attempts:   make(map[string]int),
		dlq:        make(map[string]*DLQEntry),
	}
}

func (m *MemoryStore) tenant(tenantID string) *tenantState {
	if tenantID == "" {
		return m.global
	}
	ts, ok := m.tenants[tenantID]
	if !ok {
		ts = newTenantState()
		m.tenants[tenantID] = ts
	}
	return ts
}

func (m *MemoryStore) AppendEvent(ctx context.Context, tenantID string, evt schema.Envelope) (AppendResult, error) {
	return m.AppendEvents(ctx, tenantID, []schema.Envelope{evt})
}

func (m *MemoryStore) AppendEvents(ctx context.Context, tenantID string, evts []schema.Envelope) (AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tenant(tenantID)
	accepted := 0
	for _, evt := range evts {
		if _, dup := ts.byID[evt.EventID]; dup {
			continue
		}
		m.seq++
		topic, status := publishStateFor(evt)
		stored := &memEvent{
			env:       evt,
			seq:       m.seq,
			topic:     topic,
			status:    status,
			updatedAt: time.Now(),
		}
		ts.events = append(ts.events, stored)
		ts.byID[evt.EventID] = stored
		accepted++
	}
	if accepted == 0 {
		return Duplicate, nil
	}
	return Accepted, nil
}

func (m *MemoryStore) EventExists(ctx context.Context, tenantID, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tenant(tenantID).byID[eventID]
	return ok, nil
}

func (m *MemoryStore) ListByException(ctx context.Context, tenantID, exceptionID string) ([]schema.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*memEvent
	for _, evt := range m.tenant(tenantID).events {
		if evt.env.ExceptionID == exceptionID {
			matched = append(matched, evt)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].env.CreatedAt.Equal(matched[j].env.CreatedAt) {
			return matched[i].seq < matched[j].seq
		}
		return matched[i].env.CreatedAt.Before(matched[j].env.CreatedAt)
	})

	out := make([]schema.Envelope, 0, len(matched))
	for _, evt := range matched {
		out = append(out, evt.env)
	}
	return out, nil
}

func (m *MemoryStore) UpsertException(ctx context.Context, tenantID, exceptionID string, patch ExceptionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tenant(tenantID)
	now := time.Now()
	rec, ok := ts.exceptions[exceptionID]
	if !ok {
		rec = &ExceptionRecord{
			TenantID:    tenantID,
			ExceptionID: exceptionID,
			Status:      schema.StatusOpen,
			CreatedAt:   now,
		}
		ts.exceptions[exceptionID] = rec
	}
	patch.apply(rec, now)
	return nil
}

func (m *MemoryStore) ReplaceException(ctx context.Context, tenantID string, rec ExceptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.TenantID = tenantID
	m.tenant(tenantID).exceptions[rec.ExceptionID] = &rec
	return nil
}

func (m *MemoryStore) GetException(ctx context.Context, tenantID, exceptionID string) (*ExceptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tenant(tenantID).exceptions[exceptionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryStore) ListOpenExceptions(ctx context.Context, tenantID string) ([]ExceptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ExceptionRecord
	for _, rec := range m.tenant(tenantID).exceptions {
		if rec.Status == schema.StatusResolved || rec.Status == schema.StatusClosed {
			continue
		}
		out = append(out, *rec)
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) ListExceptions(ctx context.Context, tenantID, status string, limit int) ([]ExceptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ExceptionRecord
	for _, rec := range m.tenant(tenantID).exceptions {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, *rec)
	}
	sortRecords(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortRecords(recs []ExceptionRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

func (m *MemoryStore) ListTenants(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) IncrementDeliveryAttempt(ctx context.Context, tenantID, eventID, workerType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tenant(tenantID)
	key := attemptKey(eventID, workerType)
	ts.attempts[key]++
	return ts.attempts[key], nil
}

func (m *MemoryStore) FetchUnpublished(ctx context.Context, tenantID string, batchSize int) ([]PendingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []PendingEvent
	for _, evt := range m.tenant(tenantID).events {
		if len(out) >= batchSize {
			break
		}
		claimable := evt.status == PublishPending ||
			(evt.status == PublishInProgress && evt.updatedAt.Before(now.Add(-lockExpiration)))
		if !claimable {
			continue
		}
		evt.status = PublishInProgress
		evt.attempts++
		evt.updatedAt = now
		out = append(out, PendingEvent{Envelope: evt.env, Topic: evt.topic, Attempts: evt.attempts})
	}
	return out, nil
}

func (m *MemoryStore) MarkPublished(ctx context.Context, tenantID, eventID string) error {
	return m.setPublishStatus(tenantID, eventID, Published)
}

func (m *MemoryStore) MarkPublishFailed(ctx context.Context, tenantID, eventID string) error {
	return m.setPublishStatus(tenantID, eventID, PublishFailed)
}

func (m *MemoryStore) setPublishStatus(tenantID, eventID string, status PublishStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, ok := m.tenant(tenantID).byID[eventID]
	if !ok {
		return ErrNotFound
	}
	evt.status = status
	evt.updatedAt = time.Now()
	return nil
}

func (m *MemoryStore) InsertDLQ(ctx context.Context, tenantID string, entry DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tenant(tenantID)
	if _, exists := ts.dlq[entry.ID]; exists {
		return nil
	}
	clone := entry
	ts.dlq[entry.ID] = &clone
	ts.dlqOrder = append(ts.dlqOrder, entry.ID)
	return nil
}

func (m *MemoryStore) ListDLQ(ctx context.Context, tenantID, status string) ([]DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tenant(tenantID)
	var out []DLQEntry
	for _, id := range ts.dlqOrder {
		entry := ts.dlq[id]
		if status != "" && string(entry.Status) != status {
			continue
		}
		out = append(out, *entry)
	}
	return out, nil
}

func (m *MemoryStore) GetDLQ(ctx context.Context, tenantID, id string) (*DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.tenant(tenantID).dlq[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *entry
	return &clone, nil
}

func (m *MemoryStore) UpdateDLQ(ctx context.Context, tenantID, id string, patch DLQPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.tenant(tenantID).dlq[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != "" {
		entry.Status = patch.Status
	}
	if patch.FailureReason != "" {
		entry.FailureReason = patch.FailureReason
	}
	if patch.IncrementRetry {
		entry.RetryCount++
	}
	entry.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) InsertPlaybook(ctx context.Context, tenantID string, def schema.PlaybookDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tenant(tenantID)
	for _, existing := range ts.playbooks {
		if existing.PlaybookID == def.PlaybookID && existing.Version == def.Version {
			return ErrImmutableVersion
		}
	}
	def.TenantID = tenantID
	ts.playbooks = append(ts.playbooks, def)
	return nil
}

func (m *MemoryStore) ListPlaybooks(ctx context.Context, tenantID string) ([]schema.PlaybookDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []schema.PlaybookDefinition
	out = append(out, m.tenant(tenantID).playbooks...)
	if tenantID != "" {
		out = append(out, m.global.playbooks...)
	}
	return out, nil
}

func (m *MemoryStore) GetPlaybook(ctx context.Context, tenantID, playbookID string, version int) (*schema.PlaybookDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *schema.PlaybookDefinition
	search := []*tenantState{m.tenant(tenantID)}
	if tenantID != "" {
		search = append(search, m.global)
	}
	for _, ts := range search {
		for i := range ts.playbooks {
			def := &ts.playbooks[i]
			if def.PlaybookID != playbookID {
				continue
			}
			if version > 0 {
				if def.Version == version {
					clone := *def
					return &clone, nil
				}
				continue
			}
			if best == nil || def.Version > best.Version {
				best = def
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	clone := *best
	return &clone, nil
}

func (m *MemoryStore) Close(ctx context.Context) error {
	return nil
}

func attemptKey(eventID, workerType string) string {
	return strings.Join([]string{eventID, workerType}, "/")
}
