package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plan-quarantines/internal/apperrors"
	"github.com/pesio-ai/be-plan-quarantines/internal/client"
	"github.com/pesio-ai/be-plan-quarantines/internal/repository"
)

type testEnv struct {
	svc         *QuarantineService
	lines       *fakeBudgetLineStore
	quarantines *fakeQuarantineStore
	audit       *fakeAuditSink
	events      *fakeEventPublisher
}

func newTestEnv() *testEnv {
	lines := newFakeBudgetLineStore()
	quarantines := newFakeQuarantineStore(lines)
	audit := &fakeAuditSink{}
	events := &fakeEventPublisher{}
	return &testEnv{
		svc:         NewQuarantineService(quarantines, lines, audit, events, testLogger()),
		lines:       lines,
		quarantines: quarantines,
		audit:       audit,
		events:      events,
	}
}

func (e *testEnv) addLine(id string, allocated, spent int64) {
	e.lines.add(&repository.BudgetLine{
		ID:             id,
		PlanID:         "plan-1",
		CategoryCode:   "CORE_DAILY",
		AllocatedCents: allocated,
		SpentCents:     spent,
	})
}

func (e *testEnv) create(t *testing.T, lineID string, amount int64) *repository.Quarantine {
	t.Helper()
	q, err := e.svc.Create(context.Background(), &CreateQuarantineRequest{
		BudgetLineID:     lineID,
		ProviderID:       "prov-1",
		QuarantinedCents: amount,
		CreatedBy:        "user-1",
	})
	require.NoError(t, err)
	return q
}

// ── Create ────────────────────────────────────────────────────────────────────

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("reserves capacity and emits audit and event", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 100000, 20000)

		notes := "initial reservation"
		q, err := env.svc.Create(ctx, &CreateQuarantineRequest{
			BudgetLineID:     "bl-1",
			ProviderID:       "prov-1",
			QuarantinedCents: 50000,
			Notes:            &notes,
			CreatedBy:        "user-1",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, q.ID)
		assert.Equal(t, repository.StatusActive, q.Status)
		assert.Equal(t, int64(0), q.UsedCents)

		audits := env.audit.byAction("quarantine.create")
		require.Len(t, audits, 1)
		assert.Equal(t, "user-1", audits[0].UserID)
		assert.Equal(t, q.ID, audits[0].ResourceID)

		events := env.events.byTopic(client.TopicQuarantineCreated)
		require.Len(t, events, 1)
		assert.Equal(t, q.ID, events[0].Payload["id"])
		assert.Equal(t, int64(50000), events[0].Payload["quarantined_cents"])
	})

	t.Run("rejects amounts beyond headroom before any write", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 100000, 20000)
		env.create(t, "bl-1", 50000)

		_, err := env.svc.Create(ctx, &CreateQuarantineRequest{
			BudgetLineID:     "bl-1",
			ProviderID:       "prov-2",
			QuarantinedCents: 30001,
			CreatedBy:        "user-1",
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientCapacity))

		// Nothing was written or announced for the rejected create.
		assert.Len(t, env.audit.byAction("quarantine.create"), 1)
		assert.Len(t, env.events.byTopic(client.TopicQuarantineCreated), 1)
	})

	t.Run("fails with NotFound for a missing budget line", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.svc.Create(ctx, &CreateQuarantineRequest{
			BudgetLineID:     "bl-missing",
			ProviderID:       "prov-1",
			QuarantinedCents: 100,
			CreatedBy:        "user-1",
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("validates input", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 100000, 0)

		tests := []struct {
			name string
			req  *CreateQuarantineRequest
		}{
			{"missing budget line id", &CreateQuarantineRequest{ProviderID: "p", QuarantinedCents: 1, CreatedBy: "u"}},
			{"missing provider id", &CreateQuarantineRequest{BudgetLineID: "bl-1", QuarantinedCents: 1, CreatedBy: "u"}},
			{"missing actor", &CreateQuarantineRequest{BudgetLineID: "bl-1", ProviderID: "p", QuarantinedCents: 1}},
			{"zero amount", &CreateQuarantineRequest{BudgetLineID: "bl-1", ProviderID: "p", QuarantinedCents: 0, CreatedBy: "u"}},
			{"negative amount", &CreateQuarantineRequest{BudgetLineID: "bl-1", ProviderID: "p", QuarantinedCents: -5, CreatedBy: "u"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := env.svc.Create(ctx, tt.req)
				assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
			})
		}
	})

	t.Run("audit failure does not fail the create", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 100000, 0)
		env.audit.failWith = errors.New("audit store down")

		q, err := env.svc.Create(ctx, &CreateQuarantineRequest{
			BudgetLineID:     "bl-1",
			ProviderID:       "prov-1",
			QuarantinedCents: 1000,
			CreatedBy:        "user-1",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, q.ID)
		// Event still goes out.
		assert.Len(t, env.events.byTopic(client.TopicQuarantineCreated), 1)
	})
}

// ── Update ────────────────────────────────────────────────────────────────────

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("resize excludes own reservation from the capacity sum", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 10000, 0)
		q := env.create(t, "bl-1", 5000)

		// Not blocked by its own prior 5000.
		newAmount := int64(9999)
		updated, err := env.svc.Update(ctx, &UpdateQuarantineRequest{
			ID:               q.ID,
			QuarantinedCents: &newAmount,
			ActorID:          "user-2",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(9999), updated.QuarantinedCents)

		// But the allocation ceiling still binds.
		tooMuch := int64(10001)
		_, err = env.svc.Update(ctx, &UpdateQuarantineRequest{
			ID:               q.ID,
			QuarantinedCents: &tooMuch,
			ActorID:          "user-2",
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientCapacity))
	})

	t.Run("partial update leaves omitted fields unchanged", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 10000, 0)
		q := env.create(t, "bl-1", 5000)

		notes := "follow-up agreed with provider"
		updated, err := env.svc.Update(ctx, &UpdateQuarantineRequest{
			ID:      q.ID,
			Notes:   &notes,
			ActorID: "user-2",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(5000), updated.QuarantinedCents)
		require.NotNil(t, updated.Notes)
		assert.Equal(t, notes, *updated.Notes)

		audits := env.audit.byAction("quarantine.update")
		require.Len(t, audits, 1)
		assert.Equal(t, int64(5000), audits[0].Before["quarantined_cents"])
		assert.Equal(t, int64(5000), audits[0].After["quarantined_cents"])
	})

	t.Run("rejects shrinking below the drawn-down total", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 10000, 0)
		q := env.create(t, "bl-1", 5000)

		_, err := env.svc.DrawDown(ctx, &DrawDownRequest{ID: q.ID, AmountCents: 3000, ActorID: "user-1"})
		require.NoError(t, err)

		below := int64(2999)
		_, err = env.svc.Update(ctx, &UpdateQuarantineRequest{
			ID:               q.ID,
			QuarantinedCents: &below,
			ActorID:          "user-1",
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
	})

	t.Run("fails on missing and non-active quarantines", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 10000, 0)
		q := env.create(t, "bl-1", 5000)

		_, err := env.svc.Update(ctx, &UpdateQuarantineRequest{ID: "q-missing", ActorID: "u"})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))

		_, err = env.svc.Release(ctx, q.ID, "user-1")
		require.NoError(t, err)

		_, err = env.svc.Update(ctx, &UpdateQuarantineRequest{ID: q.ID, ActorID: "u"})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotActive))
	})
}

// ── Release ───────────────────────────────────────────────────────────────────

func TestRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("frees capacity and cannot repeat", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 10000, 0)
		q := env.create(t, "bl-1", 8000)

		released, err := env.svc.Release(ctx, q.ID, "user-1")
		require.NoError(t, err)
		assert.Equal(t, repository.StatusReleased, released.Status)

		events := env.events.byTopic(client.TopicQuarantineReleased)
		require.Len(t, events, 1)
		assert.Equal(t, "bl-1", events[0].Payload["budget_line_id"])
		assert.Equal(t, "prov-1", events[0].Payload["provider_id"])

		// The freed capacity is reservable again.
		env.create(t, "bl-1", 10000)

		// Releasing a RELEASED quarantine fails.
		_, err = env.svc.Release(ctx, q.ID, "user-1")
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotActive))
	})
}

// ── Draw-down ─────────────────────────────────────────────────────────────────

func TestDrawDown(t *testing.T) {
	ctx := context.Background()

	t.Run("never exceeds the quarantined ceiling", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 20000, 0)
		q := env.create(t, "bl-1", 10000)

		_, err := env.svc.DrawDown(ctx, &DrawDownRequest{ID: q.ID, AmountCents: 9000, ActorID: "user-1"})
		require.NoError(t, err)

		_, err = env.svc.DrawDown(ctx, &DrawDownRequest{ID: q.ID, AmountCents: 1500, ActorID: "user-1"})
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDrawDownExceeds))

		updated, err := env.svc.DrawDown(ctx, &DrawDownRequest{ID: q.ID, AmountCents: 1000, ActorID: "user-1"})
		require.NoError(t, err)
		assert.Equal(t, int64(10000), updated.UsedCents)
	})

	t.Run("records before and after used_cents in audit", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 20000, 0)
		q := env.create(t, "bl-1", 10000)

		_, err := env.svc.DrawDown(ctx, &DrawDownRequest{ID: q.ID, AmountCents: 2500, ActorID: "user-1"})
		require.NoError(t, err)
		_, err = env.svc.DrawDown(ctx, &DrawDownRequest{ID: q.ID, AmountCents: 1500, ActorID: "user-1"})
		require.NoError(t, err)

		audits := env.audit.byAction("quarantine.drawdown")
		require.Len(t, audits, 2)
		assert.Equal(t, int64(2500), audits[1].Before["used_cents"])
		assert.Equal(t, int64(4000), audits[1].After["used_cents"])
	})

	t.Run("threshold event fires at 80 percent and re-fires after", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 20000, 0)
		q := env.create(t, "bl-1", 10000)

		// 70%, below the threshold: no event.
		_, err := env.svc.DrawDown(ctx, &DrawDownRequest{ID: q.ID, AmountCents: 7000, ActorID: "user-1"})
		require.NoError(t, err)
		assert.Empty(t, env.events.byTopic(client.TopicQuarantineThresholdReached))

		// 75% to 80%, crossing the threshold.
		_, err = env.svc.DrawDown(ctx, &DrawDownRequest{ID: q.ID, AmountCents: 1000, ActorID: "user-1"})
		require.NoError(t, err)
		events := env.events.byTopic(client.TopicQuarantineThresholdReached)
		require.Len(t, events, 1)
		assert.Equal(t, int64(80), events[0].Payload["used_percent"])

		// Still above the threshold, so it fires again on the next draw-down.
		_, err = env.svc.DrawDown(ctx, &DrawDownRequest{ID: q.ID, AmountCents: 500, ActorID: "user-1"})
		require.NoError(t, err)
		events = env.events.byTopic(client.TopicQuarantineThresholdReached)
		require.Len(t, events, 2)
		assert.Equal(t, int64(85), events[1].Payload["used_percent"])
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		env := newTestEnv()
		env.addLine("bl-1", 20000, 0)
		q := env.create(t, "bl-1", 10000)

		_, err := env.svc.DrawDown(ctx, &DrawDownRequest{ID: q.ID, AmountCents: 0, ActorID: "user-1"})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))

		_, err = env.svc.DrawDown(ctx, &DrawDownRequest{ID: q.ID, AmountCents: -100, ActorID: "user-1"})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
	})
}

// ── Capacity invariant ────────────────────────────────────────────────────────

func TestCapacityInvariantHolds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.addLine("bl-1", 100000, 30000)

	// A mixed sequence of creates, resizes and releases.
	q1 := env.create(t, "bl-1", 40000)
	q2 := env.create(t, "bl-1", 20000)

	bigger := int64(50000)
	_, err := env.svc.Update(ctx, &UpdateQuarantineRequest{ID: q1.ID, QuarantinedCents: &bigger, ActorID: "u"})
	require.NoError(t, err)

	_, err = env.svc.Release(ctx, q2.ID, "u")
	require.NoError(t, err)

	env.create(t, "bl-1", 20000)

	snap, err := env.svc.GetCapacity(ctx, "bl-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, snap.ActiveReservedCents, snap.AllocatedCents-snap.SpentCents)
	assert.Equal(t, int64(70000), snap.ActiveReservedCents)
	assert.Equal(t, int64(0), snap.AvailableCents())
}

// ── Concurrency ───────────────────────────────────────────────────────────────

func TestConcurrentCreatesCannotOverReserve(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.addLine("bl-1", 10000, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)

	// Combined requests exceed the line; at most one may win.
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Create(ctx, &CreateQuarantineRequest{
				BudgetLineID:     "bl-1",
				ProviderID:       "prov-1",
				QuarantinedCents: 6000,
				CreatedBy:        "user-1",
			})
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			require.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientCapacity))
			lost++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)

	snap, err := env.svc.GetCapacity(ctx, "bl-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), snap.ActiveReservedCents)
}
