package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plan-quarantines/internal/apperrors"
	"github.com/pesio-ai/be-plan-quarantines/internal/capacity"
	"github.com/pesio-ai/be-plan-quarantines/internal/database"
)

const quarantineColumns = `
	id, budget_line_id, provider_id, service_agreement_id, funding_period_id,
	support_item_code, quarantined_cents, used_cents, status, notes,
	created_by, created_at, updated_at
`

// QuarantineRepository owns the quarantine ledger. Every mutation that
// consumes capacity runs inside one transaction with the owning budget line
// row locked, so concurrent reservations on the same line serialize and the
// second writer re-validates against committed state.
type QuarantineRepository struct {
	db *database.DB
}

// NewQuarantineRepository creates a new QuarantineRepository.
func NewQuarantineRepository(db *database.DB) *QuarantineRepository {
	return &QuarantineRepository{db: db}
}

// Reserve capacity-checks and inserts an ACTIVE quarantine atomically.
// Returns NOT_FOUND if the budget line is missing and
// INSUFFICIENT_CAPACITY if the proposed amount exceeds headroom.
func (r *QuarantineRepository) Reserve(ctx context.Context, q *Quarantine) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		snap, err := capacitySnapshot(ctx, tx, q.BudgetLineID, nil, true)
		if err != nil {
			return err
		}
		if err := capacity.Check(snap, q.QuarantinedCents); err != nil {
			return err
		}

		query := `
			INSERT INTO quarantines (budget_line_id, provider_id, service_agreement_id,
			                         funding_period_id, support_item_code,
			                         quarantined_cents, used_cents, status, notes, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, 0, 'ACTIVE', $7, $8)
			RETURNING id, used_cents, status, created_at, updated_at
		`

		err = tx.QueryRow(ctx, query,
			q.BudgetLineID,
			q.ProviderID,
			q.ServiceAgreementID,
			q.FundingPeriodID,
			q.SupportItemCode,
			q.QuarantinedCents,
			q.Notes,
			q.CreatedBy,
		).Scan(&q.ID, &q.UsedCents, &q.Status, &q.CreatedAt, &q.UpdatedAt)

		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create quarantine")
		}
		return nil
	})
}

// GetByID retrieves a quarantine by id.
func (r *QuarantineRepository) GetByID(ctx context.Context, id string) (*Quarantine, error) {
	row := r.db.QueryRow(ctx, `SELECT `+quarantineColumns+` FROM quarantines WHERE id = $1`, id)
	q, err := scanQuarantine(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("quarantine", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get quarantine")
	}
	return q, nil
}

// Update applies the already-merged record. When the reserved amount changed
// the capacity check re-runs under the budget line lock, excluding this
// quarantine's own current reservation from the sum.
func (r *QuarantineRepository) Update(ctx context.Context, q *Quarantine, amountChanged bool) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		status, err := lockQuarantine(ctx, tx, q.ID)
		if err != nil {
			return err
		}
		if status != StatusActive {
			return notActive(q.ID, status)
		}

		if amountChanged {
			snap, err := capacitySnapshot(ctx, tx, q.BudgetLineID, &q.ID, true)
			if err != nil {
				return err
			}
			if err := capacity.Check(snap, q.QuarantinedCents); err != nil {
				return err
			}
		}

		query := `
			UPDATE quarantines
			SET quarantined_cents = $2,
			    support_item_code = $3,
			    notes = $4,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`
		err = tx.QueryRow(ctx, query, q.ID, q.QuarantinedCents, q.SupportItemCode, q.Notes).
			Scan(&q.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update quarantine")
		}
		return nil
	})
}

// Release transitions an ACTIVE quarantine to RELEASED. used_cents is left
// untouched; the unused remainder simply stops counting against the line.
func (r *QuarantineRepository) Release(ctx context.Context, id string) (*Quarantine, error) {
	var q *Quarantine
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		q, err = lockQuarantineRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if q.Status != StatusActive {
			return notActive(id, q.Status)
		}

		err = tx.QueryRow(ctx, `
			UPDATE quarantines
			SET status = 'RELEASED', updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, id).Scan(&q.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to release quarantine")
		}
		q.Status = StatusReleased
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// DrawDown increments used_cents, rejecting any draw that would push usage
// past the reserved ceiling. Returns the updated record and the previous
// used_cents for audit.
func (r *QuarantineRepository) DrawDown(ctx context.Context, id string, amountCents int64) (*Quarantine, int64, error) {
	var q *Quarantine
	var previousUsed int64

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		q, err = lockQuarantineRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if q.Status != StatusActive {
			return notActive(id, q.Status)
		}

		previousUsed = q.UsedCents
		newUsed := q.UsedCents + amountCents
		if newUsed > q.QuarantinedCents {
			return apperrors.New(apperrors.ErrCodeDrawDownExceeds,
				fmt.Sprintf("draw-down of %d would raise used to %d, exceeding quarantined %d",
					amountCents, newUsed, q.QuarantinedCents))
		}

		err = tx.QueryRow(ctx, `
			UPDATE quarantines
			SET used_cents = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, id, newUsed).Scan(&q.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to record draw-down")
		}
		q.UsedCents = newUsed
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return q, previousUsed, nil
}

// List retrieves quarantines with filtering and pagination, newest first.
func (r *QuarantineRepository) List(ctx context.Context, filter QuarantineFilter, limit, offset int) ([]*Quarantine, int64, error) {
	query := `SELECT ` + quarantineColumns + ` FROM quarantines WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM quarantines WHERE 1=1`

	args := []interface{}{}
	argCount := 1

	if filter.BudgetLineID != nil {
		clause := fmt.Sprintf(" AND budget_line_id = $%d", argCount)
		query += clause
		countQuery += clause
		args = append(args, *filter.BudgetLineID)
		argCount++
	}

	if filter.PlanID != nil {
		clause := fmt.Sprintf(
			" AND budget_line_id IN (SELECT id FROM budget_lines WHERE plan_id = $%d)", argCount)
		query += clause
		countQuery += clause
		args = append(args, *filter.PlanID)
		argCount++
	}

	if filter.ProviderID != nil {
		clause := fmt.Sprintf(" AND provider_id = $%d", argCount)
		query += clause
		countQuery += clause
		args = append(args, *filter.ProviderID)
		argCount++
	}

	if filter.Status != nil {
		clause := fmt.Sprintf(" AND status = $%d::quarantine_status", argCount)
		query += clause
		countQuery += clause
		args = append(args, *filter.Status)
		argCount++
	}

	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)
	queryArgs := append(args, limit, offset)

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to count quarantines")
	}

	rows, err := r.db.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list quarantines")
	}
	defer rows.Close()

	quarantines := make([]*Quarantine, 0)
	for rows.Next() {
		q, err := scanQuarantine(rows)
		if err != nil {
			return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan quarantine")
		}
		quarantines = append(quarantines, q)
	}

	return quarantines, total, nil
}

// ── scan and lock helpers ─────────────────────────────────────────────────────

type quarantineScanner interface {
	Scan(dest ...any) error
}

func scanQuarantine(sc quarantineScanner) (*Quarantine, error) {
	q := &Quarantine{}
	err := sc.Scan(
		&q.ID,
		&q.BudgetLineID,
		&q.ProviderID,
		&q.ServiceAgreementID,
		&q.FundingPeriodID,
		&q.SupportItemCode,
		&q.QuarantinedCents,
		&q.UsedCents,
		&q.Status,
		&q.Notes,
		&q.CreatedBy,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// lockQuarantine locks the row and returns its current status.
func lockQuarantine(ctx context.Context, tx pgx.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM quarantines WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", apperrors.NotFound("quarantine", id)
	}
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to lock quarantine")
	}
	return status, nil
}

// lockQuarantineRecord locks the row and returns the full record.
func lockQuarantineRecord(ctx context.Context, tx pgx.Tx, id string) (*Quarantine, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+quarantineColumns+` FROM quarantines WHERE id = $1 FOR UPDATE`, id)
	q, err := scanQuarantine(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("quarantine", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to lock quarantine")
	}
	return q, nil
}

func notActive(id, status string) error {
	return apperrors.New(apperrors.ErrCodeNotActive,
		fmt.Sprintf("quarantine %s is not ACTIVE (status: %s)", id, status))
}
