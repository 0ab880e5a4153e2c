// Package dispatch drains the run queue into an external executor over a
// repository-dispatch channel. It owns the queued→running handoff, the
// callback-token lifecycle, crash recovery of stale runs, and the
// confirmation-timeout sweep.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/butlerhq/butler-registry/pkg/metrics"
	"github.com/butlerhq/butler-registry/pkg/queue"
	"github.com/butlerhq/butler-registry/pkg/run"
	"github.com/butlerhq/butler-registry/pkg/store"
	"github.com/butlerhq/butler-registry/pkg/token"
)

// EnvDiscarder expires confirmation-pending environment runs. Satisfied by
// the DAG executor.
type EnvDiscarder interface {
	Discard(ctx context.Context, envRunID string) error
}

// Config tunes the dispatcher loops.
type Config struct {
	Enabled             bool
	ButlerURL           string
	PeaaS               Target
	MaxConcurrent       int
	PollInterval        time.Duration
	SweepInterval       time.Duration
	RunTimeout          time.Duration
	ConfirmationTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 30 * time.Minute
	}
}

// Dispatcher polls for dispatchable work and hands it to the sender.
type Dispatcher struct {
	db     *store.DB
	queue  *queue.Queue
	sender Sender
	envs   EnvDiscarder
	log    *slog.Logger
	cfg    Config
}

// New builds a dispatcher. envs may be nil when no DAG executor runs.
func New(db *store.DB, q *queue.Queue, sender Sender, envs EnvDiscarder, log *slog.Logger, cfg Config) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{db: db, queue: q, sender: sender, envs: envs, log: log, cfg: cfg}
}

// Run executes the dispatcher until the context ends. Crash recovery fires
// once at startup, then the poll and sweep tickers take over.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.cfg.Enabled {
		d.log.Info("dispatcher disabled")
		return
	}
	d.RecoverCrashed(ctx)

	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			d.PollOnce(ctx)
		case <-sweep.C:
			d.SweepOnce(ctx)
		}
	}
}

// PollOnce dispatches queued runs up to the concurrency cap, then hands
// confirmed plans to the executor for apply. Confirmed runs already hold
// their module's active slot and count against the cap, so they bypass the
// capacity check.
func (d *Dispatcher) PollOnce(ctx context.Context) {
	active, err := d.db.CountActiveRuns(ctx)
	if err != nil {
		d.log.Error("dispatcher: count active runs", "error", err)
		return
	}
	metrics.ActiveRuns.Set(float64(active))
	if capacity := d.cfg.MaxConcurrent - active; capacity > 0 {
		runs, err := d.db.ListDispatchableRuns(ctx, capacity)
		if err != nil {
			d.log.Error("dispatcher: list queued runs", "error", err)
			return
		}
		for _, mr := range runs {
			if err := d.dispatchQueued(ctx, mr); err != nil {
				d.log.Error("dispatcher: dispatch", "run_id", mr.ID, "error", err)
			}
		}
	}

	confirmed, err := d.db.ListRunsByStatus(ctx, run.StatusConfirmed)
	if err != nil {
		d.log.Error("dispatcher: list confirmed runs", "error", err)
		return
	}
	for _, mr := range confirmed {
		if err := d.dispatchConfirmed(ctx, mr); err != nil {
			d.log.Error("dispatcher: dispatch apply", "run_id", mr.ID, "error", err)
		}
	}
}

// dispatchQueued performs the queued→running handoff for one run. The
// transition is conditional so that concurrent replicas race safely; the
// loser sees ErrConflict and walks away.
func (d *Dispatcher) dispatchQueued(ctx context.Context, mr *store.ModuleRun) error {
	if err := d.db.TransitionRun(ctx, mr.ID, run.StatusQueued, run.StatusRunning); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	return d.send(ctx, mr, run.StatusRunning, string(mr.Operation))
}

// dispatchConfirmed moves a confirmed plan into applying and dispatches the
// apply phase with a fresh callback token.
func (d *Dispatcher) dispatchConfirmed(ctx context.Context, mr *store.ModuleRun) error {
	if err := d.db.TransitionRun(ctx, mr.ID, run.StatusConfirmed, run.StatusApplying); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	return d.send(ctx, mr, run.StatusApplying, string(run.OpApply))
}

func (d *Dispatcher) send(ctx context.Context, mr *store.ModuleRun, current run.Status, operation string) error {
	ctx, span := otel.Tracer("butler-registry/dispatch").Start(ctx, "dispatch.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", mr.ID),
		attribute.String("run.operation", operation),
		attribute.String("run.mode", string(mr.Mode)),
	)

	mod, err := d.db.GetModule(ctx, mr.ModuleID)
	if err != nil {
		return d.fail(ctx, mr.ID, current, fmt.Sprintf("module lookup failed: %v", err))
	}

	target, err := d.resolveTarget(mod)
	if err != nil {
		// No target means misconfiguration, not a run failure. Revert to
		// queued so the stall is visible and the run is retried once the
		// target is fixed.
		if errors.Is(err, ErrNoTarget) && current == run.StatusRunning {
			d.log.Warn("dispatcher: no target, requeueing",
				"run_id", mr.ID, "module", mod.Name, "error", err)
			return d.db.RequeueRun(ctx, mr.ID)
		}
		return d.fail(ctx, mr.ID, current, err.Error())
	}

	callbackToken, hash, err := token.MintCallback()
	if err != nil {
		return d.fail(ctx, mr.ID, current, fmt.Sprintf("mint callback token: %v", err))
	}
	if err := d.db.SetCallbackTokenHash(ctx, mr.ID, hash); err != nil {
		return err
	}

	payload := Payload{
		ButlerURL:     d.cfg.ButlerURL,
		RunID:         mr.ID,
		CallbackToken: callbackToken,
		Operation:     operation,
		ModuleName:    mod.Name,
	}
	d.applyCloudIntegration(ctx, &payload, mod)

	if err := d.sender.Send(ctx, target, payload); err != nil {
		span.SetStatus(codes.Error, "send failed")
		metrics.RecordDispatch(string(mr.Mode), "error")
		return d.fail(ctx, mr.ID, current, fmt.Sprintf("dispatch to %s failed: %v", target, err))
	}
	metrics.RecordDispatch(string(mr.Mode), "sent")
	d.log.Info("dispatched run",
		"run_id", mr.ID, "module", mod.Name, "operation", operation, "target", target.String())
	return nil
}

// resolveTarget picks the dispatch repository: the configured PeaaS target,
// or the module's vcs_trigger repository for BYOC.
func (d *Dispatcher) resolveTarget(mod *store.Module) (Target, error) {
	if mod.Mode == run.ModeBYOC {
		if mod.VCSTrigger == nil {
			return Target{}, fmt.Errorf("%w: byoc module %s has no vcs_trigger", ErrNoTarget, mod.Name)
		}
		return ParseRepoURL(mod.VCSTrigger.RepositoryURL)
	}
	if d.cfg.PeaaS.Owner == "" || d.cfg.PeaaS.Repo == "" {
		return Target{}, fmt.Errorf("%w: peaas target not configured", ErrNoTarget)
	}
	return d.cfg.PeaaS, nil
}

// applyCloudIntegration resolves the effective OIDC fields: module override
// first, environment default otherwise.
func (d *Dispatcher) applyCloudIntegration(ctx context.Context, p *Payload, mod *store.Module) {
	ci := mod.CloudIntegration
	if ci == nil {
		env, err := d.db.GetEnvironment(ctx, mod.EnvironmentID)
		if err != nil {
			d.log.Warn("dispatcher: environment lookup", "module", mod.Name, "error", err)
			return
		}
		ci = env.CloudIntegration
	}
	if ci == nil {
		return
	}
	p.GCPWIFProvider = ci.GCPWIFProvider
	p.GCPServiceAccount = ci.GCPServiceAccount
	p.GCPProjectID = ci.GCPProjectID
	p.AWSRoleARN = ci.AWSRoleARN
	p.AWSRegion = ci.AWSRegion
}

// fail marks the run failed, records the reason, dequeues the next pending
// run on the module, and notifies the DAG executor.
func (d *Dispatcher) fail(ctx context.Context, runID string, from run.Status, reason string) error {
	if err := d.db.SetRunResults(ctx, runID, nil, nil, nil, nil, reason); err != nil {
		d.log.Error("dispatcher: record failure reason", "run_id", runID, "error", err)
	}
	if err := d.queue.Complete(ctx, runID, from, run.StatusFailed); err != nil {
		return fmt.Errorf("dispatch: fail run %s: %w", runID, err)
	}
	return nil
}

// RecoverCrashed times out runs that have been running or applying longer
// than the run timeout. Fires once at startup and again on every sweep, so
// a crashed executor never wedges a module's queue.
func (d *Dispatcher) RecoverCrashed(ctx context.Context) {
	cutoff := time.Now().Add(-d.cfg.RunTimeout)
	stale, err := d.db.ListRunsRunningSince(ctx, cutoff)
	if err != nil {
		d.log.Error("dispatcher: list stale runs", "error", err)
		return
	}
	for _, mr := range stale {
		if err := d.db.SetRunResults(ctx, mr.ID, nil, nil, nil, nil,
			fmt.Sprintf("no callback within %s", d.cfg.RunTimeout)); err != nil {
			d.log.Error("dispatcher: record timeout reason", "run_id", mr.ID, "error", err)
		}
		if err := d.queue.Complete(ctx, mr.ID, mr.Status, run.StatusTimedOut); err != nil {
			d.log.Error("dispatcher: time out run", "run_id", mr.ID, "error", err)
			continue
		}
		d.log.Warn("timed out stale run", "run_id", mr.ID, "started_at", mr.StartedAt)
	}
}

// SweepOnce expires unconfirmed plans and confirmation-pending environment
// runs past their deadline, then re-runs crash recovery.
func (d *Dispatcher) SweepOnce(ctx context.Context) {
	now := time.Now()

	expired, err := d.db.ListPlannedBefore(ctx, now.Add(-d.cfg.ConfirmationTimeout))
	if err != nil {
		d.log.Error("dispatcher: list expired plans", "error", err)
	} else {
		for _, mr := range expired {
			if err := d.queue.Complete(ctx, mr.ID, run.StatusPlanned, run.StatusDiscarded); err != nil {
				d.log.Error("dispatcher: discard expired plan", "run_id", mr.ID, "error", err)
				continue
			}
			d.log.Info("discarded unconfirmed plan", "run_id", mr.ID)
		}
	}

	if d.envs != nil {
		envRuns, err := d.db.ListEnvironmentRunsPastDeadline(ctx, now)
		if err != nil {
			d.log.Error("dispatcher: list expired environment runs", "error", err)
		} else {
			for _, er := range envRuns {
				if err := d.envs.Discard(ctx, er.ID); err != nil {
					d.log.Error("dispatcher: discard environment run", "env_run_id", er.ID, "error", err)
					continue
				}
				d.log.Info("discarded unconfirmed environment run", "env_run_id", er.ID)
			}
		}
	}

	d.RecoverCrashed(ctx)
}
