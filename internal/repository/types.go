package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Domain types for the quarantine ledger ───────────────────────────────────

// Quarantine statuses. ACTIVE reservations count against budget-line
// capacity; RELEASED and EXPIRED are terminal and free their capacity.
const (
	StatusActive   = "ACTIVE"
	StatusReleased = "RELEASED"
	StatusExpired  = "EXPIRED"
)

// BudgetLine is a per-category ceiling within a participant's funding plan.
// spent_cents is mutated externally by invoice/claim approval; this service
// only reads it when computing capacity.
type BudgetLine struct {
	ID             string
	PlanID         string
	CategoryCode   string
	CategoryName   string
	AllocatedCents int64
	SpentCents     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Quarantine reserves part of a budget line's remaining capacity for one
// provider, pending eventual spend.
type Quarantine struct {
	ID                 string
	BudgetLineID       string
	ProviderID         string
	ServiceAgreementID *string
	FundingPeriodID    *string
	SupportItemCode    *string
	QuarantinedCents   int64
	UsedCents          int64
	Status             string // ACTIVE | RELEASED | EXPIRED
	Notes              *string
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// QuarantineFilter narrows List results. Nil fields are ignored.
type QuarantineFilter struct {
	BudgetLineID *string
	PlanID       *string
	ProviderID   *string
	Status       *string
}

// ServiceAgreement is a read-only input to batch derivation.
type ServiceAgreement struct {
	ID         string
	ProviderID string
	Status     string
	RateLines  []*RateLine
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RateLine is one negotiated price term on a service agreement.
// MaxQuantity may be fractional (e.g. 2.5 hours); nil means quantity 1.
type RateLine struct {
	ID              string
	AgreementID     string
	CategoryCode    string
	SupportItemCode string
	AgreedRateCents int64
	MaxQuantity     *decimal.Decimal
}

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID          string
	UserID      string
	Action      string // quarantine.create | quarantine.update | quarantine.release | quarantine.drawdown
	Resource    string
	ResourceID  string
	Before      map[string]interface{}
	After       map[string]interface{}
	PerformedAt time.Time
}
