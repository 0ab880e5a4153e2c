package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/butler-registry/pkg/run"
)

const runColumns = `id, module_id, environment_run_id, operation, mode, status, priority,
	queue_position, triggered_by, tf_version, variables, state_backend,
	exit_code, resources_added, resources_changed, resources_destroyed,
	tf_outputs, failure_reason, run_log, plan_ref, created_at, started_at, planned_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*ModuleRun, error) {
	var (
		r                 ModuleRun
		envRunID          sql.NullString
		queuePos          sql.NullInt64
		vars, backend     sql.NullString
		exitCode          sql.NullInt64
		added, changed    sql.NullInt64
		destroyed         sql.NullInt64
		outputs           sql.NullString
		started, finished sql.NullTime
		planned           sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ModuleID, &envRunID, &r.Operation, &r.Mode, &r.Status, &r.Priority,
		&queuePos, &r.TriggeredBy, &r.TFVersion, &vars, &backend,
		&exitCode, &added, &changed, &destroyed,
		&outputs, &r.FailureReason, &r.RunLog, &r.PlanRef, &r.CreatedAt, &started, &planned, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan run: %w", err)
	}
	if envRunID.Valid {
		r.EnvironmentRunID = &envRunID.String
	}
	if queuePos.Valid {
		p := int(queuePos.Int64)
		r.QueuePosition = &p
	}
	if vars.Valid {
		r.Variables = json.RawMessage(vars.String)
	}
	if backend.Valid {
		r.StateBackend = json.RawMessage(backend.String)
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	if added.Valid {
		n := int(added.Int64)
		r.ResourcesAdded = &n
	}
	if changed.Valid {
		n := int(changed.Int64)
		r.ResourcesChanged = &n
	}
	if destroyed.Valid {
		n := int(destroyed.Int64)
		r.ResourcesDestroyed = &n
	}
	if outputs.Valid {
		r.TFOutputs = json.RawMessage(outputs.String)
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if planned.Valid {
		t := planned.Time
		r.PlannedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

// ModuleTx exposes the queue primitives that must execute under a module
// row lock. Obtain one through WithModuleLock.
type ModuleTx struct {
	d  *DB
	tx *sql.Tx
}

// WithModuleLock runs fn holding a row lock on the module. Every queue
// mutation for a module is serialized through this lock, so the single
// active slot and positions stay consistent under concurrent triggers.
func (d *DB) WithModuleLock(ctx context.Context, moduleID string, fn func(mtx *ModuleTx) error) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			d.q(`SELECT id FROM environment_modules WHERE id = $1`+d.forUpdate()), moduleID).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: module %s", ErrNotFound, moduleID)
			}
			return fmt.Errorf("store: lock module: %w", err)
		}
		return fn(&ModuleTx{d: d, tx: tx})
	})
}

// ActiveOrQueuedRun returns the run occupying the module's active slot
// (queued or any active status), or ErrNotFound when the slot is free.
func (m *ModuleTx) ActiveOrQueuedRun(ctx context.Context, moduleID string) (*ModuleRun, error) {
	row := m.tx.QueryRowContext(ctx, m.d.q(`
		SELECT `+runColumns+` FROM module_runs
		WHERE module_id = $1 AND status IN ('queued', 'running', 'planned', 'confirmed', 'applying')
		LIMIT 1`), moduleID)
	return scanRun(row)
}

// MaxQueuePosition returns the highest pending queue position, 0 when the
// queue is empty.
func (m *ModuleTx) MaxQueuePosition(ctx context.Context, moduleID string) (int, error) {
	var pos sql.NullInt64
	err := m.tx.QueryRowContext(ctx, m.d.q(`
		SELECT MAX(queue_position) FROM module_runs
		WHERE module_id = $1 AND status = 'pending'`), moduleID).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("store: max queue position: %w", err)
	}
	return int(pos.Int64), nil
}

// InsertRun writes a new run row inside the locked transaction.
func (m *ModuleTx) InsertRun(ctx context.Context, r *ModuleRun) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = time.Now().UTC()
	var envRunID any
	if r.EnvironmentRunID != nil {
		envRunID = *r.EnvironmentRunID
	}
	var queuePos any
	if r.QueuePosition != nil {
		queuePos = *r.QueuePosition
	}
	_, err := m.tx.ExecContext(ctx, m.d.q(`
		INSERT INTO module_runs (id, module_id, environment_run_id, operation, mode, status, priority,
			queue_position, triggered_by, tf_version, variables, state_backend, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`),
		r.ID, r.ModuleID, envRunID, r.Operation, r.Mode, r.Status, r.Priority,
		queuePos, r.TriggeredBy, r.TFVersion, nullableJSON(r.Variables), nullableJSON(r.StateBackend),
		r.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

// PendingCascadePlan returns the waiting cascade-priority plan run for a
// module, if any. Used for latest-wins coalescing.
func (m *ModuleTx) PendingCascadePlan(ctx context.Context, moduleID string) (*ModuleRun, error) {
	row := m.tx.QueryRowContext(ctx, m.d.q(`
		SELECT `+runColumns+` FROM module_runs
		WHERE module_id = $1 AND status = 'pending' AND priority = 'cascade' AND operation = 'plan'
		LIMIT 1`), moduleID)
	return scanRun(row)
}

// DiscardPendingCascadePlans discards every waiting cascade plan on the
// module. Latest-wins coalescing: a newer cascade supersedes them all.
func (m *ModuleTx) DiscardPendingCascadePlans(ctx context.Context, moduleID string) (int, error) {
	res, err := m.tx.ExecContext(ctx, m.d.q(`
		UPDATE module_runs SET status = 'discarded', completed_at = $1
		WHERE module_id = $2 AND status = 'pending' AND priority = 'cascade' AND operation = 'plan'`),
		time.Now().UTC(), moduleID)
	if err != nil {
		return 0, fmt.Errorf("store: discard pending cascades: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return int(n), nil
}

// PendingCount returns the number of waiting runs.
func (m *ModuleTx) PendingCount(ctx context.Context, moduleID string) (int, error) {
	var n int
	err := m.tx.QueryRowContext(ctx, m.d.q(`
		SELECT COUNT(*) FROM module_runs WHERE module_id = $1 AND status = 'pending'`), moduleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending count: %w", err)
	}
	return n, nil
}

// NextPendingRun returns the run that should be promoted next: user priority
// before cascade, FIFO by queue position within a priority class.
func (m *ModuleTx) NextPendingRun(ctx context.Context, moduleID string) (*ModuleRun, error) {
	row := m.tx.QueryRowContext(ctx, m.d.q(`
		SELECT `+runColumns+` FROM module_runs
		WHERE module_id = $1 AND status = 'pending'
		ORDER BY CASE WHEN priority = 'user' THEN 0 ELSE 1 END, queue_position
		LIMIT 1`), moduleID)
	return scanRun(row)
}

// PromoteRun moves a pending run into the active slot: status queued,
// position cleared.
func (m *ModuleTx) PromoteRun(ctx context.Context, runID string) error {
	res, err := m.tx.ExecContext(ctx, m.d.q(`
		UPDATE module_runs SET status = 'queued', queue_position = NULL
		WHERE id = $1 AND status = 'pending'`), runID)
	if err != nil {
		return fmt.Errorf("store: promote run: %w", err)
	}
	return requireRow(res)
}

// TransitionRun performs a conditional status transition inside the locked
// transaction. Same semantics as DB.TransitionRun.
func (m *ModuleTx) TransitionRun(ctx context.Context, runID string, from, to run.Status) error {
	return transitionRun(ctx, m.tx, m.d, runID, from, to)
}

// --- plain run operations ---

// CreateQueuedRun writes a run straight into the active slot, bypassing the
// queue. Only environment-run fan-out uses it, after its own slot check.
func (d *DB) CreateQueuedRun(ctx context.Context, r *ModuleRun) error {
	return d.WithModuleLock(ctx, r.ModuleID, func(mtx *ModuleTx) error {
		r.Status = run.StatusQueued
		r.QueuePosition = nil
		return mtx.InsertRun(ctx, r)
	})
}

// InsertTerminalRun records a run that will never dispatch, born in the
// given terminal status: skipped when an ancestor did not succeed, failed
// when its own inputs could not be resolved.
func (d *DB) InsertTerminalRun(ctx context.Context, r *ModuleRun, status run.Status) error {
	if !status.IsTerminal() {
		return fmt.Errorf("store: %s is not a terminal status", status)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	r.Status = status
	r.CreatedAt = now
	r.CompletedAt = &now
	var envRunID any
	if r.EnvironmentRunID != nil {
		envRunID = *r.EnvironmentRunID
	}
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO module_runs (id, module_id, environment_run_id, operation, mode, status, priority,
			triggered_by, failure_reason, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`),
		r.ID, r.ModuleID, envRunID, r.Operation, r.Mode, r.Status, r.Priority,
		r.TriggeredBy, r.FailureReason, r.CreatedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: insert terminal run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id.
func (d *DB) GetRun(ctx context.Context, id string) (*ModuleRun, error) {
	row := d.db.QueryRowContext(ctx, d.q(`SELECT `+runColumns+` FROM module_runs WHERE id = $1`), id)
	return scanRun(row)
}

// GetRunWithTokenHash fetches a run plus its callback token hash, for
// callback authentication.
func (d *DB) GetRunWithTokenHash(ctx context.Context, id string) (*ModuleRun, error) {
	row := d.db.QueryRowContext(ctx, d.q(`
		SELECT `+runColumns+`, callback_token_hash FROM module_runs WHERE id = $1`), id)

	var (
		r                 ModuleRun
		envRunID          sql.NullString
		queuePos          sql.NullInt64
		vars, backend     sql.NullString
		exitCode          sql.NullInt64
		added, changed    sql.NullInt64
		destroyed         sql.NullInt64
		outputs           sql.NullString
		started, finished sql.NullTime
		planned           sql.NullTime
		tokenHash         sql.NullString
	)
	err := row.Scan(&r.ID, &r.ModuleID, &envRunID, &r.Operation, &r.Mode, &r.Status, &r.Priority,
		&queuePos, &r.TriggeredBy, &r.TFVersion, &vars, &backend,
		&exitCode, &added, &changed, &destroyed,
		&outputs, &r.FailureReason, &r.RunLog, &r.PlanRef, &r.CreatedAt, &started, &planned, &finished,
		&tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan run: %w", err)
	}
	if envRunID.Valid {
		r.EnvironmentRunID = &envRunID.String
	}
	if queuePos.Valid {
		p := int(queuePos.Int64)
		r.QueuePosition = &p
	}
	if vars.Valid {
		r.Variables = json.RawMessage(vars.String)
	}
	if backend.Valid {
		r.StateBackend = json.RawMessage(backend.String)
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	if added.Valid {
		n := int(added.Int64)
		r.ResourcesAdded = &n
	}
	if changed.Valid {
		n := int(changed.Int64)
		r.ResourcesChanged = &n
	}
	if destroyed.Valid {
		n := int(destroyed.Int64)
		r.ResourcesDestroyed = &n
	}
	if outputs.Valid {
		r.TFOutputs = json.RawMessage(outputs.String)
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if planned.Valid {
		t := planned.Time
		r.PlannedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		r.CompletedAt = &t
	}
	if tokenHash.Valid {
		r.CallbackTokenHash = &tokenHash.String
	}
	return &r, nil
}

type dbOrTx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// transitionRun applies from → to with a conditional UPDATE. The transition
// table is checked first; the WHERE status guard makes the write atomic
// against racing updates. Entering running stamps started_at, entering
// planned stamps planned_at (the confirmation window opens there), and
// terminal transitions stamp completed_at and drop the callback token hash
// so the token cannot be replayed.
func transitionRun(ctx context.Context, db dbOrTx, d *DB, runID string, from, to run.Status) error {
	if err := run.ValidateTransition(from, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch {
	case to == run.StatusRunning:
		res, err = db.ExecContext(ctx, d.q(`
			UPDATE module_runs SET status = $1, started_at = $2
			WHERE id = $3 AND status = $4`), to, now, runID, from)
	case to == run.StatusPlanned:
		res, err = db.ExecContext(ctx, d.q(`
			UPDATE module_runs SET status = $1, planned_at = $2
			WHERE id = $3 AND status = $4`), to, now, runID, from)
	case to.IsTerminal():
		res, err = db.ExecContext(ctx, d.q(`
			UPDATE module_runs SET status = $1, completed_at = $2, callback_token_hash = NULL
			WHERE id = $3 AND status = $4`), to, now, runID, from)
	default:
		res, err = db.ExecContext(ctx, d.q(`
			UPDATE module_runs SET status = $1
			WHERE id = $2 AND status = $3`), to, runID, from)
	}
	if err != nil {
		return fmt.Errorf("store: transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a lost race from a missing run.
		var cur string
		serr := db.QueryRowContext(ctx, d.q(`SELECT status FROM module_runs WHERE id = $1`), runID).Scan(&cur)
		if errors.Is(serr, sql.ErrNoRows) {
			return ErrNotFound
		}
		if serr != nil {
			return fmt.Errorf("store: transition run: %w", serr)
		}
		return fmt.Errorf("%w: run is %s, not %s", ErrConflict, cur, from)
	}
	return nil
}

// TransitionRun performs a conditional status transition.
func (d *DB) TransitionRun(ctx context.Context, runID string, from, to run.Status) error {
	return transitionRun(ctx, d.db, d, runID, from, to)
}

// SetCallbackTokenHash stores the hash of a freshly minted callback token.
func (d *DB) SetCallbackTokenHash(ctx context.Context, runID, hash string) error {
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE module_runs SET callback_token_hash = $1 WHERE id = $2`), hash, runID)
	if err != nil {
		return fmt.Errorf("store: set callback token: %w", err)
	}
	return requireRow(res)
}

// SetRunResults records execution results reported through the callback.
func (d *DB) SetRunResults(ctx context.Context, runID string, exitCode *int, added, changed, destroyed *int, failureReason string) error {
	toNull := func(p *int) any {
		if p == nil {
			return nil
		}
		return *p
	}
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE module_runs SET exit_code = $1, resources_added = $2, resources_changed = $3,
			resources_destroyed = $4, failure_reason = $5
		WHERE id = $6`),
		toNull(exitCode), toNull(added), toNull(changed), toNull(destroyed), failureReason, runID)
	if err != nil {
		return fmt.Errorf("store: set run results: %w", err)
	}
	return requireRow(res)
}

// SetRunOutputs stores the terraform outputs of a succeeded run.
func (d *DB) SetRunOutputs(ctx context.Context, runID string, outputs json.RawMessage) error {
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE module_runs SET tf_outputs = $1 WHERE id = $2`), nullableJSON(outputs), runID)
	if err != nil {
		return fmt.Errorf("store: set run outputs: %w", err)
	}
	return requireRow(res)
}

// AppendRunLog appends a log chunk to the run's log.
func (d *DB) AppendRunLog(ctx context.Context, runID, chunk string) error {
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE module_runs SET run_log = run_log || $1 WHERE id = $2`), chunk, runID)
	if err != nil {
		return fmt.Errorf("store: append run log: %w", err)
	}
	return requireRow(res)
}

// SetPlanRef records where the plan artifact of a planned run is stored.
func (d *DB) SetPlanRef(ctx context.Context, runID, ref string) error {
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE module_runs SET plan_ref = $1 WHERE id = $2`), ref, runID)
	if err != nil {
		return fmt.Errorf("store: set plan ref: %w", err)
	}
	return requireRow(res)
}

// ListRunsByStatus returns every run in a status, oldest first. The
// dispatcher polls queued and confirmed runs with it.
func (d *DB) ListRunsByStatus(ctx context.Context, status run.Status) ([]*ModuleRun, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT `+runColumns+` FROM module_runs WHERE status = $1 ORDER BY created_at`), status)
	if err != nil {
		return nil, fmt.Errorf("store: list runs by status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

// ListDispatchableRuns returns up to limit queued runs in dispatch order:
// user priority before cascade, oldest first within a priority.
func (d *DB) ListDispatchableRuns(ctx context.Context, limit int) ([]*ModuleRun, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT `+runColumns+` FROM module_runs WHERE status = 'queued'
		ORDER BY CASE WHEN priority = 'user' THEN 0 ELSE 1 END, created_at
		LIMIT $1`), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list dispatchable runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

// RequeueRun reverts a running run that was never handed to an executor
// back to queued, clearing started_at and the callback token. This is a
// compensation path outside the transition table, used when dispatch could
// not resolve a target.
func (d *DB) RequeueRun(ctx context.Context, runID string) error {
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE module_runs SET status = 'queued', started_at = NULL, callback_token_hash = NULL
		WHERE id = $1 AND status = 'running'`), runID)
	if err != nil {
		return fmt.Errorf("store: requeue run: %w", err)
	}
	return requireRow(res)
}

// ListRunsByModule returns a module's most recent runs.
func (d *DB) ListRunsByModule(ctx context.Context, moduleID string, limit int) ([]*ModuleRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT `+runColumns+` FROM module_runs WHERE module_id = $1
		ORDER BY created_at DESC LIMIT $2`), moduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs by module: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

// ListRunsByEnvironmentRun returns the cohort of an environment run.
func (d *DB) ListRunsByEnvironmentRun(ctx context.Context, envRunID string) ([]*ModuleRun, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT `+runColumns+` FROM module_runs WHERE environment_run_id = $1 ORDER BY created_at`), envRunID)
	if err != nil {
		return nil, fmt.Errorf("store: list runs by environment run: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

// ListQueuedPendingByModule returns the waiting runs of a module, queue
// order first.
func (d *DB) ListQueuedPendingByModule(ctx context.Context, moduleID string) ([]*ModuleRun, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT `+runColumns+` FROM module_runs
		WHERE module_id = $1 AND status IN ('pending', 'queued')
		ORDER BY CASE WHEN queue_position IS NULL THEN 0 ELSE 1 END, queue_position`), moduleID)
	if err != nil {
		return nil, fmt.Errorf("store: list waiting runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

// CountActiveRuns counts runs in active statuses across all modules, for
// the global concurrency gauge.
func (d *DB) CountActiveRuns(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, d.q(`
		SELECT COUNT(*) FROM module_runs
		WHERE status IN ('running', 'planned', 'confirmed', 'applying')`)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count active runs: %w", err)
	}
	return n, nil
}

// LatestSucceededApply returns the newest succeeded apply run of a module.
// Its tf_outputs feed downstream modules.
func (d *DB) LatestSucceededApply(ctx context.Context, moduleID string) (*ModuleRun, error) {
	row := d.db.QueryRowContext(ctx, d.q(`
		SELECT `+runColumns+` FROM module_runs
		WHERE module_id = $1 AND operation = 'apply' AND status = 'succeeded'
		ORDER BY completed_at DESC LIMIT 1`), moduleID)
	return scanRun(row)
}

// ListRunsRunningSince returns running or applying runs started before the
// cutoff. The dispatcher times them out on its recovery sweep.
func (d *DB) ListRunsRunningSince(ctx context.Context, cutoff time.Time) ([]*ModuleRun, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT `+runColumns+` FROM module_runs
		WHERE status IN ('running', 'applying') AND started_at < $1`), cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: list stale runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

// ListPlannedBefore returns runs whose plan was produced before the cutoff,
// for the confirmation-expiry sweep. The window is measured from planned_at,
// not created_at, so time spent queued or running does not count against it.
func (d *DB) ListPlannedBefore(ctx context.Context, cutoff time.Time) ([]*ModuleRun, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT `+runColumns+` FROM module_runs
		WHERE status = 'planned' AND planned_at < $1`), cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: list expired plans: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*ModuleRun, error) {
	var out []*ModuleRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
