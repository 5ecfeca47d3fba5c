package service

import (
	"context"

	"github.com/pesio-ai/be-plan-quarantines/internal/capacity"
	"github.com/pesio-ai/be-plan-quarantines/internal/repository"
)

// Store contracts consumed by the services. The Postgres repositories
// satisfy them; tests substitute in-memory fakes.

// QuarantineStore persists the quarantine ledger. Reserve, Update and
// DrawDown are expected to enforce the capacity and ceiling invariants
// atomically against committed state.
type QuarantineStore interface {
	Reserve(ctx context.Context, q *repository.Quarantine) error
	GetByID(ctx context.Context, id string) (*repository.Quarantine, error)
	Update(ctx context.Context, q *repository.Quarantine, amountChanged bool) error
	Release(ctx context.Context, id string) (*repository.Quarantine, error)
	DrawDown(ctx context.Context, id string, amountCents int64) (*repository.Quarantine, int64, error)
	List(ctx context.Context, filter repository.QuarantineFilter, limit, offset int) ([]*repository.Quarantine, int64, error)
}

// BudgetLineStore reads budget lines and capacity snapshots.
type BudgetLineStore interface {
	GetByID(ctx context.Context, id string) (*repository.BudgetLine, error)
	GetByPlanCategory(ctx context.Context, planID, categoryCode string) (*repository.BudgetLine, error)
	CapacitySnapshot(ctx context.Context, budgetLineID string, excludeQuarantineID *string) (capacity.Snapshot, error)
}

// AgreementStore reads service agreements with rate lines.
type AgreementStore interface {
	GetByID(ctx context.Context, id string) (*repository.ServiceAgreement, error)
}

// AuditLog is a durable append-only log. Append failures are treated as
// non-fatal by all callers; reads serve the audit trail query.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetByResource(ctx context.Context, resource, resourceID string) ([]*repository.AuditEntry, error)
}

// EventPublisher is a fire-and-forget publish that must never block or
// fail the caller.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload map[string]interface{})
}
