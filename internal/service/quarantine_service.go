package service

import (
	"context"

	"github.com/pesio-ai/be-plan-quarantines/internal/apperrors"
	"github.com/pesio-ai/be-plan-quarantines/internal/capacity"
	"github.com/pesio-ai/be-plan-quarantines/internal/client"
	"github.com/pesio-ai/be-plan-quarantines/internal/logger"
	"github.com/pesio-ai/be-plan-quarantines/internal/repository"
)

// thresholdPercent is the utilisation level at which draw-downs start
// signalling quarantine.threshold-reached. The event re-fires on every
// qualifying draw-down; consumers must be idempotent.
const thresholdPercent = 80

// QuarantineService orchestrates the quarantine lifecycle: create, update,
// release and draw-down, plus the read-side queries. Capacity is enforced
// by the store under a budget-line lock; this layer owns validation,
// partial-update merging, audit and events.
type QuarantineService struct {
	quarantines QuarantineStore
	budgetLines BudgetLineStore
	audit       AuditLog
	events      EventPublisher
	log         *logger.Logger
}

// NewQuarantineService creates a new quarantine service.
func NewQuarantineService(
	quarantines QuarantineStore,
	budgetLines BudgetLineStore,
	audit AuditLog,
	events EventPublisher,
	log *logger.Logger,
) *QuarantineService {
	return &QuarantineService{
		quarantines: quarantines,
		budgetLines: budgetLines,
		audit:       audit,
		events:      events,
		log:         log,
	}
}

// CreateQuarantineRequest represents a create quarantine request.
type CreateQuarantineRequest struct {
	BudgetLineID       string
	ProviderID         string
	QuarantinedCents   int64
	ServiceAgreementID *string
	FundingPeriodID    *string
	SupportItemCode    *string
	Notes              *string
	CreatedBy          string
}

// UpdateQuarantineRequest represents a partial update. Nil fields are
// left unchanged.
type UpdateQuarantineRequest struct {
	ID               string
	QuarantinedCents *int64
	SupportItemCode  *string
	Notes            *string
	ActorID          string
}

// DrawDownRequest represents a draw-down against a quarantine.
type DrawDownRequest struct {
	ID          string
	AmountCents int64
	ActorID     string
}

// ── Create ────────────────────────────────────────────────────────────────────

// Create reserves capacity on a budget line for a provider. The capacity
// check and the insert run atomically in the store; on rejection nothing
// is written.
func (s *QuarantineService) Create(ctx context.Context, req *CreateQuarantineRequest) (*repository.Quarantine, error) {
	if req.BudgetLineID == "" {
		return nil, apperrors.InvalidInput("budget_line_id", "budget line id is required")
	}
	if req.ProviderID == "" {
		return nil, apperrors.InvalidInput("provider_id", "provider id is required")
	}
	if req.CreatedBy == "" {
		return nil, apperrors.InvalidInput("created_by", "acting user id is required")
	}
	if req.QuarantinedCents <= 0 {
		return nil, apperrors.InvalidInput("quarantined_cents", "amount must be positive")
	}

	q := &repository.Quarantine{
		BudgetLineID:       req.BudgetLineID,
		ProviderID:         req.ProviderID,
		ServiceAgreementID: req.ServiceAgreementID,
		FundingPeriodID:    req.FundingPeriodID,
		SupportItemCode:    req.SupportItemCode,
		QuarantinedCents:   req.QuarantinedCents,
		Status:             repository.StatusActive,
		Notes:              req.Notes,
		CreatedBy:          req.CreatedBy,
	}

	if err := s.quarantines.Reserve(ctx, q); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		UserID:     req.CreatedBy,
		Action:     "quarantine.create",
		Resource:   "quarantine",
		ResourceID: q.ID,
		After: map[string]interface{}{
			"budget_line_id":    q.BudgetLineID,
			"provider_id":       q.ProviderID,
			"quarantined_cents": q.QuarantinedCents,
			"status":            q.Status,
		},
	})

	payload := map[string]interface{}{
		"id":                q.ID,
		"budget_line_id":    q.BudgetLineID,
		"provider_id":       q.ProviderID,
		"quarantined_cents": q.QuarantinedCents,
	}
	if q.ServiceAgreementID != nil {
		payload["service_agreement_id"] = *q.ServiceAgreementID
	}
	s.events.Publish(ctx, client.TopicQuarantineCreated, payload)

	s.log.Info().
		Str("quarantine_id", q.ID).
		Str("budget_line_id", q.BudgetLineID).
		Str("provider_id", q.ProviderID).
		Int64("quarantined_cents", q.QuarantinedCents).
		Msg("Quarantine created")

	return q, nil
}

// ── Update ────────────────────────────────────────────────────────────────────

// Update applies a partial update to an ACTIVE quarantine. A changed
// amount is re-checked against capacity excluding this quarantine's own
// current reservation, so a line can be resized up or down without
// double-counting itself.
func (s *QuarantineService) Update(ctx context.Context, req *UpdateQuarantineRequest) (*repository.Quarantine, error) {
	if req.ActorID == "" {
		return nil, apperrors.InvalidInput("actor_id", "acting user id is required")
	}

	q, err := s.quarantines.GetByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if q.Status != repository.StatusActive {
		return nil, apperrors.New(apperrors.ErrCodeNotActive,
			"quarantine "+q.ID+" is not ACTIVE (status: "+q.Status+")")
	}

	previousAmount := q.QuarantinedCents
	amountChanged := false

	if req.QuarantinedCents != nil && *req.QuarantinedCents != q.QuarantinedCents {
		if *req.QuarantinedCents <= 0 {
			return nil, apperrors.InvalidInput("quarantined_cents", "amount must be positive")
		}
		if *req.QuarantinedCents < q.UsedCents {
			return nil, apperrors.InvalidInput("quarantined_cents",
				"amount cannot be reduced below the already drawn-down total")
		}
		q.QuarantinedCents = *req.QuarantinedCents
		amountChanged = true
	}
	if req.SupportItemCode != nil {
		q.SupportItemCode = req.SupportItemCode
	}
	if req.Notes != nil {
		q.Notes = req.Notes
	}

	if err := s.quarantines.Update(ctx, q, amountChanged); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		UserID:     req.ActorID,
		Action:     "quarantine.update",
		Resource:   "quarantine",
		ResourceID: q.ID,
		Before:     map[string]interface{}{"quarantined_cents": previousAmount},
		After:      map[string]interface{}{"quarantined_cents": q.QuarantinedCents},
	})

	s.log.Info().
		Str("quarantine_id", q.ID).
		Int64("quarantined_cents", q.QuarantinedCents).
		Bool("amount_changed", amountChanged).
		Msg("Quarantine updated")

	return q, nil
}

// ── Release ───────────────────────────────────────────────────────────────────

// Release transitions a quarantine to RELEASED, freeing its unused
// capacity. Terminal states never revert, so a second release fails with
// NOT_ACTIVE.
func (s *QuarantineService) Release(ctx context.Context, id, actorID string) (*repository.Quarantine, error) {
	if actorID == "" {
		return nil, apperrors.InvalidInput("actor_id", "acting user id is required")
	}

	q, err := s.quarantines.Release(ctx, id)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		UserID:     actorID,
		Action:     "quarantine.release",
		Resource:   "quarantine",
		ResourceID: q.ID,
		Before:     map[string]interface{}{"status": repository.StatusActive},
		After:      map[string]interface{}{"status": q.Status},
	})

	s.events.Publish(ctx, client.TopicQuarantineReleased, map[string]interface{}{
		"id":             q.ID,
		"budget_line_id": q.BudgetLineID,
		"provider_id":    q.ProviderID,
	})

	s.log.Info().
		Str("quarantine_id", q.ID).
		Str("budget_line_id", q.BudgetLineID).
		Int64("unused_cents", q.QuarantinedCents-q.UsedCents).
		Msg("Quarantine released")

	return q, nil
}

// ── Draw-down ─────────────────────────────────────────────────────────────────

// DrawDown consumes part of a quarantine's reserved amount. The ceiling
// check is against this quarantine alone; draw-down never touches other
// reservations on the line.
func (s *QuarantineService) DrawDown(ctx context.Context, req *DrawDownRequest) (*repository.Quarantine, error) {
	if req.ActorID == "" {
		return nil, apperrors.InvalidInput("actor_id", "acting user id is required")
	}
	if req.AmountCents <= 0 {
		return nil, apperrors.InvalidInput("amount_cents", "amount must be positive")
	}

	q, previousUsed, err := s.quarantines.DrawDown(ctx, req.ID, req.AmountCents)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		UserID:     req.ActorID,
		Action:     "quarantine.drawdown",
		Resource:   "quarantine",
		ResourceID: q.ID,
		Before:     map[string]interface{}{"used_cents": previousUsed},
		After:      map[string]interface{}{"used_cents": q.UsedCents},
	})

	// Threshold signal, integer arithmetic only. Re-fires on every
	// qualifying draw-down once utilisation is at or past the threshold.
	if q.UsedCents*100 >= q.QuarantinedCents*thresholdPercent {
		usedPercent := (q.UsedCents*100 + q.QuarantinedCents/2) / q.QuarantinedCents
		s.events.Publish(ctx, client.TopicQuarantineThresholdReached, map[string]interface{}{
			"id":             q.ID,
			"budget_line_id": q.BudgetLineID,
			"used_percent":   usedPercent,
		})
	}

	s.log.Info().
		Str("quarantine_id", q.ID).
		Int64("amount_cents", req.AmountCents).
		Int64("used_cents", q.UsedCents).
		Int64("quarantined_cents", q.QuarantinedCents).
		Msg("Quarantine draw-down recorded")

	return q, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// Get retrieves a quarantine by id.
func (s *QuarantineService) Get(ctx context.Context, id string) (*repository.Quarantine, error) {
	return s.quarantines.GetByID(ctx, id)
}

// List lists quarantines with filtering and pagination.
func (s *QuarantineService) List(ctx context.Context, filter repository.QuarantineFilter, page, pageSize int) ([]*repository.Quarantine, int64, error) {
	offset := (page - 1) * pageSize
	return s.quarantines.List(ctx, filter, pageSize, offset)
}

// GetCapacity returns the live capacity state of a budget line.
func (s *QuarantineService) GetCapacity(ctx context.Context, budgetLineID string) (capacity.Snapshot, error) {
	return s.budgetLines.CapacitySnapshot(ctx, budgetLineID, nil)
}

// AuditTrail returns the full audit history for a quarantine, oldest first.
func (s *QuarantineService) AuditTrail(ctx context.Context, id string) ([]*repository.AuditEntry, error) {
	if _, err := s.quarantines.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.GetByResource(ctx, "quarantine", id)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// appendAudit writes an audit entry and logs a warning on failure (never
// returns error; audit is best-effort from the caller's perspective).
func (s *QuarantineService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("resource_id", entry.ResourceID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
