package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plan-quarantines/internal/apperrors"
	"github.com/pesio-ai/be-plan-quarantines/internal/capacity"
	"github.com/pesio-ai/be-plan-quarantines/internal/database"
)

// rowQuerier is satisfied by both *database.DB and pgx.Tx, so capacity reads
// can run on the pool or inside a locking transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BudgetLineRepository reads budget lines and computes capacity snapshots.
// This service never writes budget lines; allocation and spend are owned by
// the plan and invoice-approval flows.
type BudgetLineRepository struct {
	db *database.DB
}

// NewBudgetLineRepository creates a new BudgetLineRepository.
func NewBudgetLineRepository(db *database.DB) *BudgetLineRepository {
	return &BudgetLineRepository{db: db}
}

// GetByID retrieves a budget line by id.
func (r *BudgetLineRepository) GetByID(ctx context.Context, id string) (*BudgetLine, error) {
	return scanBudgetLine(r.db.QueryRow(ctx, `
		SELECT id, plan_id, category_code, category_name,
		       allocated_cents, spent_cents, created_at, updated_at
		FROM budget_lines
		WHERE id = $1
	`, id), id)
}

// GetByPlanCategory resolves the budget line for (planID, categoryCode).
func (r *BudgetLineRepository) GetByPlanCategory(ctx context.Context, planID, categoryCode string) (*BudgetLine, error) {
	return scanBudgetLine(r.db.QueryRow(ctx, `
		SELECT id, plan_id, category_code, category_name,
		       allocated_cents, spent_cents, created_at, updated_at
		FROM budget_lines
		WHERE plan_id = $1 AND category_code = $2
	`, planID, categoryCode), planID+"/"+categoryCode)
}

// CapacitySnapshot computes the line's capacity state from live data,
// excluding one quarantine from the active sum when resizing.
func (r *BudgetLineRepository) CapacitySnapshot(ctx context.Context, budgetLineID string, excludeQuarantineID *string) (capacity.Snapshot, error) {
	return capacitySnapshot(ctx, r.db, budgetLineID, excludeQuarantineID, false)
}

func scanBudgetLine(row pgx.Row, ref string) (*BudgetLine, error) {
	line := &BudgetLine{}
	err := row.Scan(
		&line.ID,
		&line.PlanID,
		&line.CategoryCode,
		&line.CategoryName,
		&line.AllocatedCents,
		&line.SpentCents,
		&line.CreatedAt,
		&line.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("budget_line", ref)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get budget line")
	}
	return line, nil
}

// capacitySnapshot reads the line and the active reservation total. With
// forUpdate set the budget line row is locked, serializing concurrent
// reservations on the same line until the surrounding transaction commits.
func capacitySnapshot(ctx context.Context, q rowQuerier, budgetLineID string, excludeQuarantineID *string, forUpdate bool) (capacity.Snapshot, error) {
	snap := capacity.Snapshot{BudgetLineID: budgetLineID}

	lineQuery := `
		SELECT allocated_cents, spent_cents
		FROM budget_lines
		WHERE id = $1
	`
	if forUpdate {
		lineQuery += " FOR UPDATE"
	}

	err := q.QueryRow(ctx, lineQuery, budgetLineID).Scan(&snap.AllocatedCents, &snap.SpentCents)
	if err == pgx.ErrNoRows {
		return snap, apperrors.NotFound("budget_line", budgetLineID)
	}
	if err != nil {
		return snap, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to read budget line capacity")
	}

	err = q.QueryRow(ctx, `
		SELECT COALESCE(SUM(quarantined_cents), 0)
		FROM quarantines
		WHERE budget_line_id = $1
		  AND status = 'ACTIVE'
		  AND ($2::uuid IS NULL OR id <> $2::uuid)
	`, budgetLineID, excludeQuarantineID).Scan(&snap.ActiveReservedCents)
	if err != nil {
		return snap, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to sum active quarantines")
	}

	return snap, nil
}
