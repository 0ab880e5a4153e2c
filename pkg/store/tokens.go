package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAPIToken stores a registry token by hash. The cleartext never
// reaches this layer.
func (d *DB) CreateAPIToken(ctx context.Context, t *APIToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO api_tokens (id, name, token_hash, actor, created_at)
		VALUES ($1, $2, $3, $4, $5)`),
		t.ID, t.Name, t.TokenHash, t.Actor, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: token already exists", ErrConflict)
		}
		return fmt.Errorf("store: insert api token: %w", err)
	}
	return nil
}

// GetAPITokenByHash resolves a presented token's hash to its record.
func (d *DB) GetAPITokenByHash(ctx context.Context, hash string) (*APIToken, error) {
	row := d.db.QueryRowContext(ctx, d.q(`
		SELECT id, name, token_hash, actor, created_at, last_used_at
		FROM api_tokens WHERE token_hash = $1`), hash)

	var (
		t        APIToken
		lastUsed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Name, &t.TokenHash, &t.Actor, &t.CreatedAt, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan api token: %w", err)
	}
	if lastUsed.Valid {
		tm := lastUsed.Time
		t.LastUsedAt = &tm
	}
	return &t, nil
}

// TouchAPIToken bumps last_used_at. Best-effort; callers ignore the error.
func (d *DB) TouchAPIToken(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx,
		d.q(`UPDATE api_tokens SET last_used_at = $1 WHERE id = $2`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: touch api token: %w", err)
	}
	return nil
}

// DeleteAPIToken revokes a token.
func (d *DB) DeleteAPIToken(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.q(`DELETE FROM api_tokens WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("store: delete api token: %w", err)
	}
	return requireRow(res)
}

// ListAPITokens returns all tokens, hashes included (callers strip them
// before serialization via the json tag).
func (d *DB) ListAPITokens(ctx context.Context) ([]*APIToken, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT id, name, token_hash, actor, created_at, last_used_at
		FROM api_tokens ORDER BY created_at`))
	if err != nil {
		return nil, fmt.Errorf("store: list api tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*APIToken
	for rows.Next() {
		var (
			t        APIToken
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.TokenHash, &t.Actor, &t.CreatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("store: scan api token: %w", err)
		}
		if lastUsed.Valid {
			tm := lastUsed.Time
			t.LastUsedAt = &tm
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// RecordDownload logs one gated download.
func (d *DB) RecordDownload(ctx context.Context, l *DownloadLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.DownloadedAt = time.Now().UTC()
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO download_logs (id, version_id, actor, remote_addr, downloaded_at)
		VALUES ($1, $2, $3, $4, $5)`),
		l.ID, l.VersionID, l.Actor, l.RemoteAddr, l.DownloadedAt)
	if err != nil {
		return fmt.Errorf("store: record download: %w", err)
	}
	return nil
}
