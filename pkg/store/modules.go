package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- environments ---

func scanEnvironment(row interface{ Scan(...any) error }) (*Environment, error) {
	var (
		e     Environment
		cloud sql.NullString
	)
	err := row.Scan(&e.ID, &e.Name, &e.Locked, &cloud, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan environment: %w", err)
	}
	if cloud.Valid && cloud.String != "" {
		var ci CloudIntegration
		if err := json.Unmarshal([]byte(cloud.String), &ci); err != nil {
			return nil, fmt.Errorf("store: corrupt cloud_integration for environment %s: %w", e.ID, err)
		}
		e.CloudIntegration = &ci
	}
	return &e, nil
}

// CreateEnvironment inserts an environment.
func (d *DB) CreateEnvironment(ctx context.Context, e *Environment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()
	var cloud any
	if e.CloudIntegration != nil {
		b, err := json.Marshal(e.CloudIntegration)
		if err != nil {
			return fmt.Errorf("store: marshal cloud_integration: %w", err)
		}
		cloud = string(b)
	}
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO environments (id, name, locked, cloud_integration, created_at)
		VALUES ($1, $2, $3, $4, $5)`),
		e.ID, e.Name, e.Locked, cloud, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: environment %q already exists", ErrConflict, e.Name)
		}
		return fmt.Errorf("store: insert environment: %w", err)
	}
	return nil
}

// GetEnvironment fetches an environment by id.
func (d *DB) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	row := d.db.QueryRowContext(ctx,
		d.q(`SELECT id, name, locked, cloud_integration, created_at FROM environments WHERE id = $1`), id)
	return scanEnvironment(row)
}

// SetEnvironmentLock locks or unlocks an environment. A locked environment
// accepts no new runs against its modules.
func (d *DB) SetEnvironmentLock(ctx context.Context, id string, locked bool) error {
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE environments SET locked = $1 WHERE id = $2`), locked, id)
	if err != nil {
		return fmt.Errorf("store: set environment lock: %w", err)
	}
	return requireRow(res)
}

// --- modules ---

const moduleColumns = `id, environment_id, artifact_id, name, pinned_version, mode,
	auto_plan_on_module_update, tf_version, state_backend, vcs_trigger,
	cloud_integration, variables, status, created_at`

func scanModule(row interface{ Scan(...any) error }) (*Module, error) {
	var (
		m                            Module
		pinned                       sql.NullString
		stateBackend, vcs, cloud, vars sql.NullString
	)
	err := row.Scan(&m.ID, &m.EnvironmentID, &m.ArtifactID, &m.Name, &pinned, &m.Mode,
		&m.AutoPlanOnUpdate, &m.TFVersion, &stateBackend, &vcs, &cloud, &vars, &m.Status, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan module: %w", err)
	}
	if pinned.Valid {
		m.PinnedVersion = &pinned.String
	}
	if stateBackend.Valid {
		m.StateBackend = json.RawMessage(stateBackend.String)
	}
	if vars.Valid {
		m.Variables = json.RawMessage(vars.String)
	}
	if vcs.Valid && vcs.String != "" {
		var t VCSTrigger
		if err := json.Unmarshal([]byte(vcs.String), &t); err != nil {
			return nil, fmt.Errorf("store: corrupt vcs_trigger for module %s: %w", m.ID, err)
		}
		m.VCSTrigger = &t
	}
	if cloud.Valid && cloud.String != "" {
		var ci CloudIntegration
		if err := json.Unmarshal([]byte(cloud.String), &ci); err != nil {
			return nil, fmt.Errorf("store: corrupt cloud_integration for module %s: %w", m.ID, err)
		}
		m.CloudIntegration = &ci
	}
	return &m, nil
}

// CreateModule inserts an environment module.
func (d *DB) CreateModule(ctx context.Context, m *Module) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()
	if m.Status == "" {
		m.Status = ModuleActive
	}

	marshal := func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	var vcs, cloud any
	var err error
	if m.VCSTrigger != nil {
		if vcs, err = marshal(m.VCSTrigger); err != nil {
			return fmt.Errorf("store: marshal vcs_trigger: %w", err)
		}
	}
	if m.CloudIntegration != nil {
		if cloud, err = marshal(m.CloudIntegration); err != nil {
			return fmt.Errorf("store: marshal cloud_integration: %w", err)
		}
	}

	_, err = d.db.ExecContext(ctx, d.q(`
		INSERT INTO environment_modules (id, environment_id, artifact_id, name, pinned_version, mode,
			auto_plan_on_module_update, tf_version, state_backend, vcs_trigger, cloud_integration,
			variables, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`),
		m.ID, m.EnvironmentID, m.ArtifactID, m.Name, nullable(m.PinnedVersion), m.Mode,
		m.AutoPlanOnUpdate, m.TFVersion, nullableJSON(m.StateBackend), vcs, cloud,
		nullableJSON(m.Variables), m.Status, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: module %q already exists in environment", ErrConflict, m.Name)
		}
		return fmt.Errorf("store: insert module: %w", err)
	}
	return nil
}

// GetModule fetches a module by id.
func (d *DB) GetModule(ctx context.Context, id string) (*Module, error) {
	row := d.db.QueryRowContext(ctx,
		d.q(`SELECT `+moduleColumns+` FROM environment_modules WHERE id = $1`), id)
	return scanModule(row)
}

// ListModulesByArtifact returns all modules bound to an artifact.
func (d *DB) ListModulesByArtifact(ctx context.Context, artifactID string) ([]*Module, error) {
	return d.listModules(ctx, `artifact_id = $1`, artifactID)
}

// ListModulesByEnvironment returns an environment's modules.
func (d *DB) ListModulesByEnvironment(ctx context.Context, envID string) ([]*Module, error) {
	return d.listModules(ctx, `environment_id = $1`, envID)
}

func (d *DB) listModules(ctx context.Context, where string, arg any) ([]*Module, error) {
	rows, err := d.db.QueryContext(ctx,
		d.q(`SELECT `+moduleColumns+` FROM environment_modules WHERE `+where+` ORDER BY name`), arg)
	if err != nil {
		return nil, fmt.Errorf("store: list modules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- dependencies ---

// CreateModuleDependency inserts an edge. Acyclicity over the environment's
// edge set must have been checked by the caller; the unique constraint
// rejects duplicate edges.
func (d *DB) CreateModuleDependency(ctx context.Context, dep *ModuleDependency) error {
	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}
	mapping, err := json.Marshal(dep.OutputMapping)
	if err != nil {
		return fmt.Errorf("store: marshal output_mapping: %w", err)
	}
	_, err = d.db.ExecContext(ctx, d.q(`
		INSERT INTO module_dependencies (id, module_id, depends_on_id, output_mapping)
		VALUES ($1, $2, $3, $4)`),
		dep.ID, dep.ModuleID, dep.DependsOnID, string(mapping))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: dependency already exists", ErrConflict)
		}
		return fmt.Errorf("store: insert dependency: %w", err)
	}
	return nil
}

// ListDependenciesByEnvironment returns every edge between the environment's
// modules.
func (d *DB) ListDependenciesByEnvironment(ctx context.Context, envID string) ([]*ModuleDependency, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT md.id, md.module_id, md.depends_on_id, md.output_mapping
		FROM module_dependencies md
		JOIN environment_modules em ON em.id = md.module_id
		WHERE em.environment_id = $1`), envID)
	if err != nil {
		return nil, fmt.Errorf("store: list dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanDependencies(rows)
}

// ListDependenciesOf returns the outgoing edges of one module.
func (d *DB) ListDependenciesOf(ctx context.Context, moduleID string) ([]*ModuleDependency, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT id, module_id, depends_on_id, output_mapping
		FROM module_dependencies WHERE module_id = $1`), moduleID)
	if err != nil {
		return nil, fmt.Errorf("store: list dependencies of: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanDependencies(rows)
}

func scanDependencies(rows *sql.Rows) ([]*ModuleDependency, error) {
	var out []*ModuleDependency
	for rows.Next() {
		var (
			dep     ModuleDependency
			mapping string
		)
		if err := rows.Scan(&dep.ID, &dep.ModuleID, &dep.DependsOnID, &mapping); err != nil {
			return nil, fmt.Errorf("store: scan dependency: %w", err)
		}
		if err := json.Unmarshal([]byte(mapping), &dep.OutputMapping); err != nil {
			return nil, fmt.Errorf("store: corrupt output_mapping for dependency %s: %w", dep.ID, err)
		}
		out = append(out, &dep)
	}
	return out, rows.Err()
}
