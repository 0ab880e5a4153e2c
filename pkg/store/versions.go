package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/butler-registry/pkg/versioning"
)

const versionColumns = `id, artifact_id, version, major, minor, patch, prerelease,
	status, is_latest, is_bad, digest, changelog, metadata, storage_ref, size,
	published_by, approved_by, approved_at, created_at, updated_at`

func scanVersion(row interface{ Scan(...any) error }) (*Version, error) {
	var (
		v          Version
		metadata   sql.NullString
		approvedAt sql.NullTime
	)
	err := row.Scan(&v.ID, &v.ArtifactID, &v.Version, &v.Major, &v.Minor, &v.Patch, &v.Prerelease,
		&v.Status, &v.IsLatest, &v.IsBad, &v.Digest, &v.Changelog, &metadata, &v.StorageRef, &v.Size,
		&v.PublishedBy, &v.ApprovedBy, &approvedAt, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan version: %w", err)
	}
	if metadata.Valid {
		v.Metadata = json.RawMessage(metadata.String)
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		v.ApprovedAt = &t
	}
	return &v, nil
}

// UpsertVersion inserts a version keyed by (artifact_id, version). On
// conflict only updated_at and storage_ref change; approval status is never
// reset by a replayed webhook. Returns whether a new row was created.
func (d *DB) UpsertVersion(ctx context.Context, v *Version) (bool, *Version, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if v.Status == "" {
		v.Status = VersionPending
	}

	created := false
	var out *Version
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		existing := tx.QueryRowContext(ctx,
			d.q(`SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_id = $1 AND version = $2`+d.forUpdate()),
			v.ArtifactID, v.Version)
		got, err := scanVersion(existing)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx,
				d.q(`UPDATE artifact_versions SET updated_at = $1, storage_ref = $2 WHERE id = $3`),
				now, coalesce(v.StorageRef, got.StorageRef), got.ID)
			if err != nil {
				return fmt.Errorf("store: refresh version: %w", err)
			}
			got.UpdatedAt = now
			out = got
			return nil
		case errors.Is(err, ErrNotFound):
			v.CreatedAt, v.UpdatedAt = now, now
			_, err = tx.ExecContext(ctx, d.q(`
				INSERT INTO artifact_versions (id, artifact_id, version, major, minor, patch, prerelease,
					status, is_latest, is_bad, digest, changelog, metadata, storage_ref, size,
					published_by, approved_by, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`),
				v.ID, v.ArtifactID, v.Version, v.Major, v.Minor, v.Patch, v.Prerelease,
				v.Status, false, false, v.Digest, v.Changelog, nullableJSON(v.Metadata), v.StorageRef, v.Size,
				v.PublishedBy, "", v.CreatedAt, v.UpdatedAt)
			if err != nil {
				return fmt.Errorf("store: insert version: %w", err)
			}
			created = true
			out = v
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, nil, err
	}
	return created, out, nil
}

// ApproveVersion marks a pending version approved and recomputes is_latest:
// the approved version becomes latest iff it outranks the current latest.
func (d *DB) ApproveVersion(ctx context.Context, versionID, approver string) (*Version, error) {
	var out *Version
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			d.q(`SELECT `+versionColumns+` FROM artifact_versions WHERE id = $1`+d.forUpdate()), versionID)
		v, err := scanVersion(row)
		if err != nil {
			return err
		}
		if v.Status != VersionPending {
			return fmt.Errorf("%w: version %s is %s", ErrConflict, v.Version, v.Status)
		}

		now := time.Now().UTC()
		becomesLatest := true
		latest := tx.QueryRowContext(ctx,
			d.q(`SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_id = $1 AND is_latest`+d.forUpdate()),
			v.ArtifactID)
		cur, err := scanVersion(latest)
		switch {
		case err == nil:
			becomesLatest = semverOf(v).Compare(semverOf(cur)) > 0
			if becomesLatest {
				if _, err := tx.ExecContext(ctx,
					d.q(`UPDATE artifact_versions SET is_latest = FALSE WHERE id = $1`), cur.ID); err != nil {
					return fmt.Errorf("store: clear latest: %w", err)
				}
			}
		case errors.Is(err, ErrNotFound):
			// First approved version.
		default:
			return err
		}

		if _, err := tx.ExecContext(ctx, d.q(`
			UPDATE artifact_versions
			SET status = $1, approved_by = $2, approved_at = $3, is_latest = $4, updated_at = $5
			WHERE id = $6`),
			VersionApproved, approver, now, becomesLatest, now, versionID); err != nil {
			return fmt.Errorf("store: approve version: %w", err)
		}

		v.Status = VersionApproved
		v.ApprovedBy = approver
		v.ApprovedAt = &now
		v.IsLatest = becomesLatest
		v.UpdatedAt = now
		out = v
		return nil
	})
	return out, err
}

// RejectVersion marks a pending version rejected.
func (d *DB) RejectVersion(ctx context.Context, versionID, actor string) error {
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE artifact_versions SET status = $1, approved_by = $2, updated_at = $3
		WHERE id = $4 AND status = $5`),
		VersionRejected, actor, time.Now().UTC(), versionID, VersionPending)
	if err != nil {
		return fmt.Errorf("store: reject version: %w", err)
	}
	return requireRow(res)
}

// YankVersion flags a version as bad. Yank is legal at any time after
// approval and is idempotent.
func (d *DB) YankVersion(ctx context.Context, versionID string) error {
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE artifact_versions SET is_bad = TRUE, updated_at = $1 WHERE id = $2`),
		time.Now().UTC(), versionID)
	if err != nil {
		return fmt.Errorf("store: yank version: %w", err)
	}
	return requireRow(res)
}

// SetVersionBlob records the stored payload's digest and size. The digest
// doubles as the storage reference.
func (d *DB) SetVersionBlob(ctx context.Context, versionID, digest string, size int64) error {
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE artifact_versions SET digest = $1, storage_ref = $2, size = $3, updated_at = $4
		WHERE id = $5`),
		digest, digest, size, time.Now().UTC(), versionID)
	if err != nil {
		return fmt.Errorf("store: set version blob: %w", err)
	}
	return requireRow(res)
}

// GetVersion fetches a version by id.
func (d *DB) GetVersion(ctx context.Context, id string) (*Version, error) {
	row := d.db.QueryRowContext(ctx, d.q(`SELECT `+versionColumns+` FROM artifact_versions WHERE id = $1`), id)
	return scanVersion(row)
}

// GetVersionByString fetches a version by its (artifact, version string) key.
func (d *DB) GetVersionByString(ctx context.Context, artifactID, version string) (*Version, error) {
	row := d.db.QueryRowContext(ctx,
		d.q(`SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_id = $1 AND version = $2`),
		artifactID, version)
	return scanVersion(row)
}

// GetLatestVersion returns the version flagged is_latest, or ErrNotFound.
func (d *DB) GetLatestVersion(ctx context.Context, artifactID string) (*Version, error) {
	row := d.db.QueryRowContext(ctx,
		d.q(`SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_id = $1 AND is_latest`), artifactID)
	return scanVersion(row)
}

// ListVersions returns an artifact's versions in descending semver order,
// optionally filtered by status.
func (d *DB) ListVersions(ctx context.Context, artifactID string, status VersionStatus) ([]*Version, error) {
	query := `SELECT ` + versionColumns + ` FROM artifact_versions WHERE artifact_id = $1`
	args := []any{artifactID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY major DESC, minor DESC, patch DESC, prerelease DESC`

	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RecordApproval stores one approver's approval for a version. Duplicate
// approvals from the same actor are idempotent.
func (d *DB) RecordApproval(ctx context.Context, versionID, approver string) error {
	var err error
	if d.dialect == DialectPostgres {
		_, err = d.db.ExecContext(ctx, `
			INSERT INTO version_approvals (version_id, approver, approved_at)
			VALUES ($1, $2, $3) ON CONFLICT (version_id, approver) DO NOTHING`,
			versionID, approver, time.Now().UTC())
	} else {
		_, err = d.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO version_approvals (version_id, approver, approved_at)
			VALUES (?, ?, ?)`,
			versionID, approver, time.Now().UTC())
	}
	if err != nil {
		return fmt.Errorf("store: record approval: %w", err)
	}
	return nil
}

// ListApprovers returns the distinct approvers recorded for a version.
func (d *DB) ListApprovers(ctx context.Context, versionID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		d.q(`SELECT approver FROM version_approvals WHERE version_id = $1 ORDER BY approved_at`), versionID)
	if err != nil {
		return nil, fmt.Errorf("store: list approvers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func semverOf(v *Version) versioning.Version {
	return versioning.Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch, Prerelease: v.Prerelease}
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
