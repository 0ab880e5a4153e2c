package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreatePolicyBinding attaches a rule document at a scope.
func (d *DB) CreatePolicyBinding(ctx context.Context, b *PolicyBinding) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.CreatedAt = time.Now().UTC()
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO policy_bindings (id, scope, scope_ref, rules, created_at)
		VALUES ($1, $2, $3, $4, $5)`),
		b.ID, b.Scope, b.ScopeRef, string(b.Rules), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert policy binding: %w", err)
	}
	return nil
}

// DeletePolicyBinding removes a binding.
func (d *DB) DeletePolicyBinding(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.q(`DELETE FROM policy_bindings WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("store: delete policy binding: %w", err)
	}
	return requireRow(res)
}

// ListPolicyBindingsFor returns every binding that could apply to an
// artifact: its own scope, its namespace, its team, and global. The
// resolver picks the narrowest.
func (d *DB) ListPolicyBindingsFor(ctx context.Context, artifactID, namespace, team string) ([]*PolicyBinding, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT id, scope, scope_ref, rules, created_at FROM policy_bindings
		WHERE (scope = 'artifact' AND scope_ref = $1)
		   OR (scope = 'namespace' AND scope_ref = $2)
		   OR (scope = 'team' AND scope_ref = $3)
		   OR scope = 'global'
		ORDER BY created_at`), artifactID, namespace, team)
	if err != nil {
		return nil, fmt.Errorf("store: list policy bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPolicyBindings(rows)
}

// ListPolicyBindings returns all bindings.
func (d *DB) ListPolicyBindings(ctx context.Context) ([]*PolicyBinding, error) {
	rows, err := d.db.QueryContext(ctx,
		d.q(`SELECT id, scope, scope_ref, rules, created_at FROM policy_bindings ORDER BY created_at`))
	if err != nil {
		return nil, fmt.Errorf("store: list policy bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPolicyBindings(rows)
}

func scanPolicyBindings(rows *sql.Rows) ([]*PolicyBinding, error) {
	var out []*PolicyBinding
	for rows.Next() {
		var (
			b     PolicyBinding
			rules string
		)
		if err := rows.Scan(&b.ID, &b.Scope, &b.ScopeRef, &rules, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan policy binding: %w", err)
		}
		b.Rules = json.RawMessage(rules)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// InsertPolicyEvaluation records one evaluation outcome. Best-effort: the
// caller logs and continues on failure, evaluations never block the
// guarded operation.
func (d *DB) InsertPolicyEvaluation(ctx context.Context, e *PolicyEvaluation) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EvaluatedAt.IsZero() {
		e.EvaluatedAt = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO policy_evaluations (id, artifact_id, version_id, trigger_kind, actor,
			outcome, enforcement, results, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		e.ID, e.ArtifactID, e.VersionID, e.Trigger, e.Actor,
		e.Outcome, e.Enforcement, nullableJSON(e.Results), e.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("store: insert policy evaluation: %w", err)
	}
	return nil
}

// ListPolicyEvaluations returns an artifact's evaluation history, newest
// first.
func (d *DB) ListPolicyEvaluations(ctx context.Context, artifactID string, limit int) ([]*PolicyEvaluation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT id, artifact_id, version_id, trigger_kind, actor, outcome, enforcement, results, evaluated_at
		FROM policy_evaluations WHERE artifact_id = $1
		ORDER BY evaluated_at DESC LIMIT $2`), artifactID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list policy evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PolicyEvaluation
	for rows.Next() {
		var (
			e       PolicyEvaluation
			results sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ArtifactID, &e.VersionID, &e.Trigger, &e.Actor,
			&e.Outcome, &e.Enforcement, &results, &e.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("store: scan policy evaluation: %w", err)
		}
		if results.Valid {
			e.Results = json.RawMessage(results.String)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
