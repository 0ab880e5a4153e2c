package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func scanEnvRun(row interface{ Scan(...any) error }) (*EnvironmentRun, error) {
	var (
		er                 EnvironmentRun
		deadline, finished sql.NullTime
	)
	err := row.Scan(&er.ID, &er.EnvironmentID, &er.Operation, &er.Status, &er.TriggeredBy,
		&deadline, &er.CreatedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan environment run: %w", err)
	}
	if deadline.Valid {
		t := deadline.Time
		er.ConfirmationDeadline = &t
	}
	if finished.Valid {
		t := finished.Time
		er.CompletedAt = &t
	}
	return &er, nil
}

// CreateEnvironmentRun inserts an environment run.
func (d *DB) CreateEnvironmentRun(ctx context.Context, er *EnvironmentRun) error {
	if er.ID == "" {
		er.ID = uuid.New().String()
	}
	er.CreatedAt = time.Now().UTC()
	if er.Status == "" {
		er.Status = EnvRunRunning
	}
	var deadline any
	if er.ConfirmationDeadline != nil {
		deadline = *er.ConfirmationDeadline
	}
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO environment_runs (id, environment_id, operation, status, triggered_by,
			confirmation_deadline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		er.ID, er.EnvironmentID, er.Operation, er.Status, er.TriggeredBy, deadline, er.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert environment run: %w", err)
	}
	return nil
}

// GetEnvironmentRun fetches an environment run by id.
func (d *DB) GetEnvironmentRun(ctx context.Context, id string) (*EnvironmentRun, error) {
	row := d.db.QueryRowContext(ctx, d.q(`
		SELECT id, environment_id, operation, status, triggered_by, confirmation_deadline,
			created_at, completed_at
		FROM environment_runs WHERE id = $1`), id)
	return scanEnvRun(row)
}

// UpdateEnvironmentRunStatus moves an environment run, guarded by the
// expected current status. Terminal statuses stamp completed_at.
func (d *DB) UpdateEnvironmentRunStatus(ctx context.Context, id string, from, to EnvRunStatus) error {
	terminal := to == EnvRunSucceeded || to == EnvRunFailed || to == EnvRunDiscarded
	var (
		res sql.Result
		err error
	)
	if terminal {
		res, err = d.db.ExecContext(ctx, d.q(`
			UPDATE environment_runs SET status = $1, completed_at = $2
			WHERE id = $3 AND status = $4`), to, time.Now().UTC(), id, from)
	} else {
		res, err = d.db.ExecContext(ctx, d.q(`
			UPDATE environment_runs SET status = $1
			WHERE id = $2 AND status = $3`), to, id, from)
	}
	if err != nil {
		return fmt.Errorf("store: update environment run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		var cur string
		serr := d.db.QueryRowContext(ctx, d.q(`SELECT status FROM environment_runs WHERE id = $1`), id).Scan(&cur)
		if errors.Is(serr, sql.ErrNoRows) {
			return ErrNotFound
		}
		if serr != nil {
			return fmt.Errorf("store: update environment run: %w", serr)
		}
		return fmt.Errorf("%w: environment run is %s, not %s", ErrConflict, cur, from)
	}
	return nil
}

// SetEnvironmentRunDeadline records the confirmation deadline once planning
// completes.
func (d *DB) SetEnvironmentRunDeadline(ctx context.Context, id string, deadline time.Time) error {
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE environment_runs SET confirmation_deadline = $1 WHERE id = $2`), deadline, id)
	if err != nil {
		return fmt.Errorf("store: set environment run deadline: %w", err)
	}
	return requireRow(res)
}

// ListEnvironmentRunsPastDeadline returns confirmation-pending environment
// runs whose deadline has passed.
func (d *DB) ListEnvironmentRunsPastDeadline(ctx context.Context, now time.Time) ([]*EnvironmentRun, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT id, environment_id, operation, status, triggered_by, confirmation_deadline,
			created_at, completed_at
		FROM environment_runs
		WHERE status = 'confirmation_pending' AND confirmation_deadline < $1`), now)
	if err != nil {
		return nil, fmt.Errorf("store: list expired environment runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EnvironmentRun
	for rows.Next() {
		er, err := scanEnvRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, er)
	}
	return out, rows.Err()
}

// ListEnvironmentRuns returns an environment's runs, newest first.
func (d *DB) ListEnvironmentRuns(ctx context.Context, envID string, limit int) ([]*EnvironmentRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT id, environment_id, operation, status, triggered_by, confirmation_deadline,
			created_at, completed_at
		FROM environment_runs WHERE environment_id = $1
		ORDER BY created_at DESC LIMIT $2`), envID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list environment runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EnvironmentRun
	for rows.Next() {
		er, err := scanEnvRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, er)
	}
	return out, rows.Err()
}
