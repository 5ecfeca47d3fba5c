package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plan-quarantines/internal/apperrors"
	"github.com/pesio-ai/be-plan-quarantines/internal/logger"
	"github.com/pesio-ai/be-plan-quarantines/internal/repository"
)

// DerivationOutcome classifies what happened to one rate line during
// agreement-driven derivation.
type DerivationOutcome string

const (
	OutcomeCreated                     DerivationOutcome = "CREATED"
	OutcomeSkippedNoCategory           DerivationOutcome = "SKIPPED_NO_CATEGORY"
	OutcomeSkippedInsufficientCapacity DerivationOutcome = "SKIPPED_INSUFFICIENT_CAPACITY"
)

// RateLineResult is the per-line outcome of a derivation run, so callers
// can reconcile skips without re-deriving the reason.
type RateLineResult struct {
	RateLineID      string            `json:"rate_line_id"`
	CategoryCode    string            `json:"category_code"`
	SupportItemCode string            `json:"support_item_code"`
	AmountCents     int64             `json:"amount_cents"`
	Outcome         DerivationOutcome `json:"outcome"`
	QuarantineID    string            `json:"quarantine_id,omitempty"`
}

// DerivationResult is the full outcome of one derivation run.
type DerivationResult struct {
	ServiceAgreementID string                   `json:"service_agreement_id"`
	Lines              []RateLineResult         `json:"lines"`
	Created            []*repository.Quarantine `json:"created"`
}

// DerivationService mechanically creates one quarantine per agreement rate
// line that has a matching budget category and enough headroom. The batch
// is partial-tolerant: individual line skips are reported, never errors.
type DerivationService struct {
	agreements  AgreementStore
	budgetLines BudgetLineStore
	lifecycle   *QuarantineService
	log         *logger.Logger
}

// NewDerivationService creates a new DerivationService.
func NewDerivationService(
	agreements AgreementStore,
	budgetLines BudgetLineStore,
	lifecycle *QuarantineService,
	log *logger.Logger,
) *DerivationService {
	return &DerivationService{
		agreements:  agreements,
		budgetLines: budgetLines,
		lifecycle:   lifecycle,
		log:         log,
	}
}

// DeriveFromAgreement creates quarantines for every rate line on the
// agreement that resolves to a budget line on the plan and fits within its
// headroom. Fails as a whole only when the agreement itself is missing.
func (s *DerivationService) DeriveFromAgreement(ctx context.Context, agreementID, planID, actorID string) (*DerivationResult, error) {
	if planID == "" {
		return nil, apperrors.InvalidInput("plan_id", "plan id is required")
	}
	if actorID == "" {
		return nil, apperrors.InvalidInput("actor_id", "acting user id is required")
	}

	agreement, err := s.agreements.GetByID(ctx, agreementID)
	if err != nil {
		return nil, err
	}

	result := &DerivationResult{
		ServiceAgreementID: agreement.ID,
		Lines:              make([]RateLineResult, 0, len(agreement.RateLines)),
		Created:            make([]*repository.Quarantine, 0),
	}

	for _, line := range agreement.RateLines {
		lineResult := RateLineResult{
			RateLineID:      line.ID,
			CategoryCode:    line.CategoryCode,
			SupportItemCode: line.SupportItemCode,
			AmountCents:     rateLineAmountCents(line),
		}

		budgetLine, err := s.budgetLines.GetByPlanCategory(ctx, planID, line.CategoryCode)
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			lineResult.Outcome = OutcomeSkippedNoCategory
			result.Lines = append(result.Lines, lineResult)
			s.log.Debug().
				Str("agreement_id", agreement.ID).
				Str("category_code", line.CategoryCode).
				Msg("Derivation: no budget line for category, skipping rate line")
			continue
		}
		if err != nil {
			return nil, err
		}

		supportItemCode := line.SupportItemCode
		q, err := s.lifecycle.Create(ctx, &CreateQuarantineRequest{
			BudgetLineID:       budgetLine.ID,
			ProviderID:         agreement.ProviderID,
			QuarantinedCents:   lineResult.AmountCents,
			ServiceAgreementID: &agreement.ID,
			SupportItemCode:    &supportItemCode,
			CreatedBy:          actorID,
		})
		switch {
		case err == nil:
			lineResult.Outcome = OutcomeCreated
			lineResult.QuarantineID = q.ID
			result.Created = append(result.Created, q)
		case apperrors.IsCode(err, apperrors.ErrCodeInsufficientCapacity),
			apperrors.IsCode(err, apperrors.ErrCodeValidation):
			// Validation covers non-positive computed amounts, which can
			// never reserve anything.
			lineResult.Outcome = OutcomeSkippedInsufficientCapacity
			s.log.Debug().
				Str("agreement_id", agreement.ID).
				Str("budget_line_id", budgetLine.ID).
				Int64("amount_cents", lineResult.AmountCents).
				Msg("Derivation: insufficient capacity, skipping rate line")
		default:
			return nil, err
		}

		result.Lines = append(result.Lines, lineResult)
	}

	s.log.Info().
		Str("agreement_id", agreement.ID).
		Str("plan_id", planID).
		Int("rate_lines", len(agreement.RateLines)).
		Int("created", len(result.Created)).
		Msg("Agreement-derived quarantines created")

	return result, nil
}

// rateLineAmountCents sizes a reservation from a rate line:
// quantity (max_quantity, or 1 when absent) times the agreed rate, rounded
// to whole cents half away from zero.
func rateLineAmountCents(line *repository.RateLine) int64 {
	quantity := decimal.NewFromInt(1)
	if line.MaxQuantity != nil {
		quantity = *line.MaxQuantity
	}
	return quantity.Mul(decimal.NewFromInt(line.AgreedRateCents)).Round(0).IntPart()
}
