// Package capacity computes budget-line headroom and decides whether a
// proposed reservation fits. It is pure: callers supply a snapshot of the
// line and the active reservation total, read fresh immediately before the
// write decision.
package capacity

import (
	"fmt"

	"github.com/pesio-ai/be-plan-quarantines/internal/apperrors"
)

// Snapshot is the state of one budget line at decision time.
// ActiveReservedCents is the sum of quarantined_cents over ACTIVE
// quarantines on the line, excluding the quarantine being resized (if any).
type Snapshot struct {
	BudgetLineID        string
	AllocatedCents      int64
	SpentCents          int64
	ActiveReservedCents int64
}

// AvailableCents is the headroom left for new reservations:
// allocated - spent - active reservations. May be negative if spend has
// outrun the allocation externally.
func (s Snapshot) AvailableCents() int64 {
	return s.AllocatedCents - s.SpentCents - s.ActiveReservedCents
}

// Check accepts or rejects a proposed reservation amount against the
// snapshot. A rejection aborts the caller's whole mutation.
func Check(s Snapshot, proposedCents int64) error {
	if proposedCents < 0 {
		return apperrors.InvalidInput("quarantined_cents", "amount cannot be negative")
	}

	available := s.AvailableCents()
	if proposedCents > available {
		return apperrors.New(apperrors.ErrCodeInsufficientCapacity,
			fmt.Sprintf("budget line %s has %d cents available, %d requested",
				s.BudgetLineID, available, proposedCents))
	}
	return nil
}
