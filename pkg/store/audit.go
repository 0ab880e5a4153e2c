package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAudit writes one audit row. The table is append-only; there is no
// update or delete path.
func (d *DB) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO audit_logs (id, actor, action, resource_type, resource_id, resource_name,
			version, details, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		e.ID, e.Actor, e.Action, e.ResourceType, e.ResourceID, e.ResourceName,
		e.Version, nullableJSON(e.Details), e.OccurredAt)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Limit        int
}

// ListAudit returns audit rows newest first.
func (d *DB) ListAudit(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, actor, action, resource_type, resource_id, resource_name, version, details, occurred_at
		FROM audit_logs WHERE 1=1`
	var args []any
	n := 0
	add := func(col string, v string) {
		if v == "" {
			return
		}
		n++
		query += fmt.Sprintf(" AND %s = $%d", col, n)
		args = append(args, v)
	}
	add("actor", f.Actor)
	add("action", f.Action)
	add("resource_type", f.ResourceType)
	add("resource_id", f.ResourceID)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d", n+1)
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.ResourceName, &e.Version, &details, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		if details.Valid {
			e.Details = []byte(details.String)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
