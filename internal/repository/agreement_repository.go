package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plan-quarantines/internal/apperrors"
	"github.com/pesio-ai/be-plan-quarantines/internal/database"
)

// AgreementRepository reads service agreements and their rate lines.
// Agreements are owned by the agreements back office; this service only
// consumes them as derivation input.
type AgreementRepository struct {
	db *database.DB
}

// NewAgreementRepository creates a new AgreementRepository.
func NewAgreementRepository(db *database.DB) *AgreementRepository {
	return &AgreementRepository{db: db}
}

// GetByID retrieves an agreement with all rate lines.
func (r *AgreementRepository) GetByID(ctx context.Context, id string) (*ServiceAgreement, error) {
	agreement := &ServiceAgreement{}

	err := r.db.QueryRow(ctx, `
		SELECT id, provider_id, status, created_at, updated_at
		FROM service_agreements
		WHERE id = $1
	`, id).Scan(
		&agreement.ID,
		&agreement.ProviderID,
		&agreement.Status,
		&agreement.CreatedAt,
		&agreement.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("service_agreement", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get service agreement")
	}

	lines, err := r.getRateLines(ctx, agreement.ID)
	if err != nil {
		return nil, err
	}
	agreement.RateLines = lines

	return agreement, nil
}

func (r *AgreementRepository) getRateLines(ctx context.Context, agreementID string) ([]*RateLine, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, agreement_id, category_code, support_item_code,
		       agreed_rate_cents, max_quantity::text
		FROM service_agreement_rate_lines
		WHERE agreement_id = $1
		ORDER BY category_code, support_item_code
	`, agreementID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get rate lines")
	}
	defer rows.Close()

	lines := make([]*RateLine, 0)
	for rows.Next() {
		line := &RateLine{}
		var maxQuantity *string

		err := rows.Scan(
			&line.ID,
			&line.AgreementID,
			&line.CategoryCode,
			&line.SupportItemCode,
			&line.AgreedRateCents,
			&maxQuantity,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan rate line")
		}

		if maxQuantity != nil {
			qty, err := decimal.NewFromString(*maxQuantity)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "invalid max_quantity on rate line")
			}
			line.MaxQuantity = &qty
		}

		lines = append(lines, line)
	}

	return lines, nil
}
