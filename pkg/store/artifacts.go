package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const artifactColumns = `id, namespace, name, provider, type, status, team,
	storage_config, approval_policy, source_config, tags, created_at, updated_at`

func scanArtifact(row interface{ Scan(...any) error }) (*Artifact, error) {
	var (
		a                        Artifact
		provider                 sql.NullString
		storageCfg, approvalPol  sql.NullString
		sourceCfg, tags          string
	)
	err := row.Scan(&a.ID, &a.Namespace, &a.Name, &provider, &a.Type, &a.Status, &a.Team,
		&storageCfg, &approvalPol, &sourceCfg, &tags, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan artifact: %w", err)
	}
	if provider.Valid {
		a.Provider = &provider.String
	}
	if storageCfg.Valid {
		a.StorageConfig = json.RawMessage(storageCfg.String)
	}
	if approvalPol.Valid {
		a.ApprovalPolicy = json.RawMessage(approvalPol.String)
	}
	if err := json.Unmarshal([]byte(sourceCfg), &a.Source); err != nil {
		return nil, fmt.Errorf("store: corrupt source_config for artifact %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("store: corrupt tags for artifact %s: %w", a.ID, err)
	}
	return &a, nil
}

// CreateArtifact inserts a new artifact. The id is chosen here when empty.
func (d *DB) CreateArtifact(ctx context.Context, a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status == "" {
		a.Status = ArtifactActive
	}
	a.Source.RepositoryURL = normalizeRepoURL(a.Source.RepositoryURL)

	sourceCfg, err := json.Marshal(a.Source)
	if err != nil {
		return fmt.Errorf("store: marshal source_config: %w", err)
	}
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return fmt.Errorf("store: marshal tags: %w", err)
	}

	_, err = d.db.ExecContext(ctx, d.q(`
		INSERT INTO artifacts (id, namespace, name, provider, type, status, team,
			storage_config, approval_policy, source_config, source_repo_url, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`),
		a.ID, a.Namespace, a.Name, nullable(a.Provider), a.Type, a.Status, a.Team,
		nullableJSON(a.StorageConfig), nullableJSON(a.ApprovalPolicy),
		string(sourceCfg), a.Source.RepositoryURL, string(tags), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: artifact %s/%s already exists", ErrConflict, a.Namespace, a.Name)
		}
		return fmt.Errorf("store: insert artifact: %w", err)
	}
	return nil
}

// UpdateArtifact persists mutable artifact fields by id.
func (d *DB) UpdateArtifact(ctx context.Context, a *Artifact) error {
	a.UpdatedAt = time.Now().UTC()
	a.Source.RepositoryURL = normalizeRepoURL(a.Source.RepositoryURL)

	sourceCfg, err := json.Marshal(a.Source)
	if err != nil {
		return fmt.Errorf("store: marshal source_config: %w", err)
	}
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return fmt.Errorf("store: marshal tags: %w", err)
	}

	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE artifacts SET status = $1, team = $2, storage_config = $3,
			approval_policy = $4, source_config = $5, source_repo_url = $6, tags = $7, updated_at = $8
		WHERE id = $9`),
		a.Status, a.Team, nullableJSON(a.StorageConfig), nullableJSON(a.ApprovalPolicy),
		string(sourceCfg), a.Source.RepositoryURL, string(tags), a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("store: update artifact: %w", err)
	}
	return requireRow(res)
}

// GetArtifact fetches an artifact by id.
func (d *DB) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	row := d.db.QueryRowContext(ctx, d.q(`SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`), id)
	return scanArtifact(row)
}

// FindArtifactsBySourceRepo returns artifacts whose source repository URL
// matches exactly after trailing-slash normalization.
func (d *DB) FindArtifactsBySourceRepo(ctx context.Context, repoURL string) ([]*Artifact, error) {
	rows, err := d.db.QueryContext(ctx,
		d.q(`SELECT `+artifactColumns+` FROM artifacts WHERE source_repo_url = $1`),
		normalizeRepoURL(repoURL))
	if err != nil {
		return nil, fmt.Errorf("store: find by source repo: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ArtifactFilter narrows ListArtifacts.
type ArtifactFilter struct {
	Type      ArtifactType
	Status    ArtifactStatus
	Team      string
	Namespace string
	Cursor    string
	Limit     int
}

// ListArtifacts pages artifacts ordered by (created_at, id) with an opaque
// cursor.
func (d *DB) ListArtifacts(ctx context.Context, f ArtifactFilter) ([]*Artifact, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE 1=1`
	var args []any
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s = $%d", clause, n)
		args = append(args, v)
	}
	if f.Type != "" {
		add("type", f.Type)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.Team != "" {
		add("team", f.Team)
	}
	if f.Namespace != "" {
		add("namespace", f.Namespace)
	}
	if f.Cursor != "" {
		cur, err := DecodeCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		at, err := time.Parse(time.RFC3339Nano, cur.Value)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		query += fmt.Sprintf(" AND (created_at > $%d OR (created_at = $%d AND id > $%d))", n+1, n+2, n+3)
		args = append(args, at, at, cur.ID)
		n += 3
	}
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", n+1)
	args = append(args, limit+1)

	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, "", fmt.Errorf("store: list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = EncodeCursor(last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID)
	}
	return out, next, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableJSON(j json.RawMessage) any {
	if len(j) == 0 {
		return nil
	}
	return string(j)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation detects unique-constraint errors across both drivers
// without importing driver error types at every call site.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
