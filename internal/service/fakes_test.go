package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plan-quarantines/internal/apperrors"
	"github.com/pesio-ai/be-plan-quarantines/internal/capacity"
	"github.com/pesio-ai/be-plan-quarantines/internal/logger"
	"github.com/pesio-ai/be-plan-quarantines/internal/repository"
)

// In-memory fakes for the store contracts. The quarantine fake serializes
// Reserve/Update under one mutex the way the Postgres repository serializes
// them under the budget-line row lock, so the concurrency properties are
// observable in tests.

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zerolog.Nop()}
}

// ── budget lines ──────────────────────────────────────────────────────────────

type fakeBudgetLineStore struct {
	mu          sync.Mutex
	lines       map[string]*repository.BudgetLine
	quarantines *fakeQuarantineStore
}

func newFakeBudgetLineStore() *fakeBudgetLineStore {
	return &fakeBudgetLineStore{lines: map[string]*repository.BudgetLine{}}
}

func (f *fakeBudgetLineStore) add(line *repository.BudgetLine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines[line.ID] = line
}

func (f *fakeBudgetLineStore) GetByID(ctx context.Context, id string) (*repository.BudgetLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[id]
	if !ok {
		return nil, apperrors.NotFound("budget_line", id)
	}
	copied := *line
	return &copied, nil
}

func (f *fakeBudgetLineStore) GetByPlanCategory(ctx context.Context, planID, categoryCode string) (*repository.BudgetLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, line := range f.lines {
		if line.PlanID == planID && line.CategoryCode == categoryCode {
			copied := *line
			return &copied, nil
		}
	}
	return nil, apperrors.NotFound("budget_line", planID+"/"+categoryCode)
}

func (f *fakeBudgetLineStore) CapacitySnapshot(ctx context.Context, budgetLineID string, excludeQuarantineID *string) (capacity.Snapshot, error) {
	return f.quarantines.snapshot(budgetLineID, excludeQuarantineID)
}

// ── quarantines ───────────────────────────────────────────────────────────────

type fakeQuarantineStore struct {
	mu    sync.Mutex
	byID  map[string]*repository.Quarantine
	seq   int
	lines *fakeBudgetLineStore
}

func newFakeQuarantineStore(lines *fakeBudgetLineStore) *fakeQuarantineStore {
	f := &fakeQuarantineStore{byID: map[string]*repository.Quarantine{}, lines: lines}
	lines.quarantines = f
	return f
}

// snapshotLocked computes capacity from the line and active reservations.
// Callers must hold f.mu.
func (f *fakeQuarantineStore) snapshotLocked(budgetLineID string, excludeID *string) (capacity.Snapshot, error) {
	line, ok := f.lines.lines[budgetLineID]
	if !ok {
		return capacity.Snapshot{}, apperrors.NotFound("budget_line", budgetLineID)
	}

	snap := capacity.Snapshot{
		BudgetLineID:   budgetLineID,
		AllocatedCents: line.AllocatedCents,
		SpentCents:     line.SpentCents,
	}
	for _, q := range f.byID {
		if q.BudgetLineID != budgetLineID || q.Status != repository.StatusActive {
			continue
		}
		if excludeID != nil && q.ID == *excludeID {
			continue
		}
		snap.ActiveReservedCents += q.QuarantinedCents
	}
	return snap, nil
}

func (f *fakeQuarantineStore) snapshot(budgetLineID string, excludeID *string) (capacity.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked(budgetLineID, excludeID)
}

func (f *fakeQuarantineStore) Reserve(ctx context.Context, q *repository.Quarantine) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap, err := f.snapshotLocked(q.BudgetLineID, nil)
	if err != nil {
		return err
	}
	if err := capacity.Check(snap, q.QuarantinedCents); err != nil {
		return err
	}

	f.seq++
	q.ID = fmt.Sprintf("q-%d", f.seq)
	q.UsedCents = 0
	q.Status = repository.StatusActive
	q.CreatedAt = time.Now()
	q.UpdatedAt = q.CreatedAt

	stored := *q
	f.byID[q.ID] = &stored
	return nil
}

func (f *fakeQuarantineStore) GetByID(ctx context.Context, id string) (*repository.Quarantine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.byID[id]
	if !ok {
		return nil, apperrors.NotFound("quarantine", id)
	}
	copied := *q
	return &copied, nil
}

func (f *fakeQuarantineStore) Update(ctx context.Context, q *repository.Quarantine, amountChanged bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, ok := f.byID[q.ID]
	if !ok {
		return apperrors.NotFound("quarantine", q.ID)
	}
	if current.Status != repository.StatusActive {
		return apperrors.New(apperrors.ErrCodeNotActive,
			"quarantine "+q.ID+" is not ACTIVE (status: "+current.Status+")")
	}

	if amountChanged {
		snap, err := f.snapshotLocked(q.BudgetLineID, &q.ID)
		if err != nil {
			return err
		}
		if err := capacity.Check(snap, q.QuarantinedCents); err != nil {
			return err
		}
	}

	q.UpdatedAt = time.Now()
	stored := *q
	f.byID[q.ID] = &stored
	return nil
}

func (f *fakeQuarantineStore) Release(ctx context.Context, id string) (*repository.Quarantine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.byID[id]
	if !ok {
		return nil, apperrors.NotFound("quarantine", id)
	}
	if q.Status != repository.StatusActive {
		return nil, apperrors.New(apperrors.ErrCodeNotActive,
			"quarantine "+id+" is not ACTIVE (status: "+q.Status+")")
	}

	q.Status = repository.StatusReleased
	q.UpdatedAt = time.Now()
	copied := *q
	return &copied, nil
}

func (f *fakeQuarantineStore) DrawDown(ctx context.Context, id string, amountCents int64) (*repository.Quarantine, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.byID[id]
	if !ok {
		return nil, 0, apperrors.NotFound("quarantine", id)
	}
	if q.Status != repository.StatusActive {
		return nil, 0, apperrors.New(apperrors.ErrCodeNotActive,
			"quarantine "+id+" is not ACTIVE (status: "+q.Status+")")
	}

	previousUsed := q.UsedCents
	newUsed := q.UsedCents + amountCents
	if newUsed > q.QuarantinedCents {
		return nil, 0, apperrors.New(apperrors.ErrCodeDrawDownExceeds,
			fmt.Sprintf("draw-down of %d would raise used to %d, exceeding quarantined %d",
				amountCents, newUsed, q.QuarantinedCents))
	}

	q.UsedCents = newUsed
	q.UpdatedAt = time.Now()
	copied := *q
	return &copied, previousUsed, nil
}

func (f *fakeQuarantineStore) List(ctx context.Context, filter repository.QuarantineFilter, limit, offset int) ([]*repository.Quarantine, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matched := make([]*repository.Quarantine, 0)
	for _, q := range f.byID {
		if filter.BudgetLineID != nil && q.BudgetLineID != *filter.BudgetLineID {
			continue
		}
		if filter.ProviderID != nil && q.ProviderID != *filter.ProviderID {
			continue
		}
		if filter.Status != nil && q.Status != *filter.Status {
			continue
		}
		copied := *q
		matched = append(matched, &copied)
	}
	return matched, int64(len(matched)), nil
}

// ── agreements ────────────────────────────────────────────────────────────────

type fakeAgreementStore struct {
	agreements map[string]*repository.ServiceAgreement
}

func newFakeAgreementStore() *fakeAgreementStore {
	return &fakeAgreementStore{agreements: map[string]*repository.ServiceAgreement{}}
}

func (f *fakeAgreementStore) GetByID(ctx context.Context, id string) (*repository.ServiceAgreement, error) {
	agreement, ok := f.agreements[id]
	if !ok {
		return nil, apperrors.NotFound("service_agreement", id)
	}
	return agreement, nil
}

// ── audit and events ──────────────────────────────────────────────────────────

type fakeAuditSink struct {
	mu       sync.Mutex
	entries  []*repository.AuditEntry
	failWith error
}

func (f *fakeAuditSink) Append(ctx context.Context, entry *repository.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditSink) GetByResource(ctx context.Context, resource, resourceID string) ([]*repository.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range f.entries {
		if e.Resource == resource && e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditSink) byAction(action string) []*repository.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range f.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type publishedEvent struct {
	Topic   string
	Payload map[string]interface{}
}

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakeEventPublisher) Publish(ctx context.Context, topic string, payload map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{Topic: topic, Payload: payload})
}

func (f *fakeEventPublisher) byTopic(topic string) []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedEvent
	for _, e := range f.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
