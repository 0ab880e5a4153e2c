package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordCIResult stores an externally reported CI outcome for a version.
// Re-reports of the same kind replace the previous row so policy always
// sees the most recent result.
func (d *DB) RecordCIResult(ctx context.Context, r *CIResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.ReportedAt = time.Now().UTC()
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			d.q(`DELETE FROM ci_results WHERE version_id = $1 AND kind = $2`), r.VersionID, r.Kind); err != nil {
			return fmt.Errorf("store: replace ci result: %w", err)
		}
		if _, err := tx.ExecContext(ctx, d.q(`
			INSERT INTO ci_results (id, version_id, kind, success, grade, reported_at)
			VALUES ($1, $2, $3, $4, $5, $6)`),
			r.ID, r.VersionID, r.Kind, r.Success, r.Grade, r.ReportedAt); err != nil {
			return fmt.Errorf("store: insert ci result: %w", err)
		}
		return nil
	})
}

// ListCIResults returns a version's CI results.
func (d *DB) ListCIResults(ctx context.Context, versionID string) ([]*CIResult, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT id, version_id, kind, success, grade, reported_at
		FROM ci_results WHERE version_id = $1 ORDER BY reported_at`), versionID)
	if err != nil {
		return nil, fmt.Errorf("store: list ci results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CIResult
	for rows.Next() {
		var r CIResult
		if err := rows.Scan(&r.ID, &r.VersionID, &r.Kind, &r.Success, &r.Grade, &r.ReportedAt); err != nil {
			return nil, fmt.Errorf("store: scan ci result: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
