package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-plan-quarantines/internal/apperrors"
	"github.com/pesio-ai/be-plan-quarantines/internal/database"
)

// AuditRepository appends and reads immutable audit log entries.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry. The table has a delete-prevention trigger
// so this is the only mutation operation exposed.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	beforeJSON, err := marshalNullable(entry.Before)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit before state")
	}
	afterJSON, err := marshalNullable(entry.After)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit after state")
	}

	query := `
		INSERT INTO quarantine_audit_log (user_id, action, resource, resource_id, before, after)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.UserID,
		entry.Action,
		entry.Resource,
		entry.ResourceID,
		beforeJSON,
		afterJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
}

// GetByResource returns the audit trail for one resource, oldest first.
func (r *AuditRepository) GetByResource(ctx context.Context, resource, resourceID string) ([]*AuditEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, action, resource, resource_id, before, after, performed_at
		FROM quarantine_audit_log
		WHERE resource = $1 AND resource_id = $2
		ORDER BY performed_at ASC
	`, resource, resourceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var beforeJSON, afterJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&entry.Action,
			&entry.Resource,
			&entry.ResourceID,
			&beforeJSON,
			&afterJSON,
			&entry.PerformedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
		}

		if beforeJSON != nil {
			if err := json.Unmarshal(beforeJSON, &entry.Before); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit before state")
			}
		}
		if afterJSON != nil {
			if err := json.Unmarshal(afterJSON, &entry.After); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit after state")
			}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func marshalNullable(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
