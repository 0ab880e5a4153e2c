package dag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/butlerhq/butler-registry/pkg/outputs"
	"github.com/butlerhq/butler-registry/pkg/queue"
	"github.com/butlerhq/butler-registry/pkg/run"
	"github.com/butlerhq/butler-registry/pkg/store"
)

// ErrEnvironmentLocked rejects new environment runs on a locked
// environment.
var ErrEnvironmentLocked = errors.New("environment is locked")

// Executor drives environment runs: it emits the root frontier, reacts to
// terminal module runs by releasing or skipping downstreams, and settles
// the aggregate status. It is registered as the queue's notifier.
type Executor struct {
	db       *store.DB
	queue    *queue.Queue
	resolver *outputs.Resolver
	log      *slog.Logger

	confirmationTimeout time.Duration
}

// NewExecutor builds an executor.
func NewExecutor(db *store.DB, q *queue.Queue, r *outputs.Resolver, log *slog.Logger, confirmationTimeout time.Duration) *Executor {
	if confirmationTimeout <= 0 {
		confirmationTimeout = time.Hour
	}
	return &Executor{db: db, queue: q, resolver: r, log: log, confirmationTimeout: confirmationTimeout}
}

// Start creates an environment run and enqueues its root frontier. The
// graph is cycle-checked up front; a locked environment is refused.
func (e *Executor) Start(ctx context.Context, envID string, op run.EnvOperation, triggeredBy string) (*store.EnvironmentRun, error) {
	env, err := e.db.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}
	if env.Locked {
		return nil, ErrEnvironmentLocked
	}

	modules, deps, err := e.activeGraph(ctx, envID)
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("environment %s has no active modules", envID)
	}
	if _, err := TopoSort(modules, deps); err != nil {
		return nil, err
	}

	er := &store.EnvironmentRun{
		EnvironmentID: envID,
		Operation:     op,
		Status:        store.EnvRunRunning,
		TriggeredBy:   triggeredBy,
	}
	if err := e.db.CreateEnvironmentRun(ctx, er); err != nil {
		return nil, err
	}

	g := buildGraph(modules, deps)
	for _, id := range g.roots() {
		if err := e.scheduleModule(ctx, er, g.modules[id]); err != nil {
			e.log.ErrorContext(ctx, "root module not scheduled",
				"environment_run_id", er.ID, "module_id", id, "error", err)
			e.failModule(ctx, er, g.modules[id], fmt.Sprintf("scheduling failed: %v", err))
			e.skipDownstream(ctx, er, g, id, g.modules[id].Name)
		}
	}
	return er, nil
}

// OnModuleRunComplete reacts to a terminal module run. Failures skip the
// transitive downstream; successes release downstream modules whose
// upstreams have all succeeded. The call is best-effort by contract, so
// every error path logs and returns.
func (e *Executor) OnModuleRunComplete(ctx context.Context, mr *store.ModuleRun) {
	if mr.EnvironmentRunID == nil {
		return
	}
	er, err := e.db.GetEnvironmentRun(ctx, *mr.EnvironmentRunID)
	if err != nil {
		e.log.ErrorContext(ctx, "environment run lookup failed",
			"environment_run_id", *mr.EnvironmentRunID, "error", err)
		return
	}
	if terminalEnvStatus(er.Status) {
		return
	}

	modules, deps, err := e.activeGraph(ctx, er.EnvironmentID)
	if err != nil {
		e.log.ErrorContext(ctx, "environment graph unavailable",
			"environment_run_id", er.ID, "error", err)
		return
	}
	g := buildGraph(modules, deps)

	failed := g.modules[mr.ModuleID]
	switch mr.Status {
	case run.StatusSucceeded:
		e.releaseDownstream(ctx, er, g, mr.ModuleID)
	default:
		name := mr.ModuleID
		if failed != nil {
			name = failed.Name
		}
		e.skipDownstream(ctx, er, g, mr.ModuleID, name)
	}

	e.settle(ctx, er, g)
}

// OnModuleRunPlanned moves the environment run into confirmation when all
// of its in-flight runs have produced plans.
func (e *Executor) OnModuleRunPlanned(ctx context.Context, mr *store.ModuleRun) {
	if mr.EnvironmentRunID == nil {
		return
	}
	er, err := e.db.GetEnvironmentRun(ctx, *mr.EnvironmentRunID)
	if err != nil || er.Status != store.EnvRunRunning {
		return
	}
	cohort, err := e.db.ListRunsByEnvironmentRun(ctx, er.ID)
	if err != nil {
		e.log.ErrorContext(ctx, "cohort unavailable", "environment_run_id", er.ID, "error", err)
		return
	}
	anyPlanned := false
	for _, r := range cohort {
		switch {
		case r.Status == run.StatusPlanned:
			anyPlanned = true
		case r.Status.IsTerminal():
		default:
			return
		}
	}
	if !anyPlanned {
		return
	}

	deadline := time.Now().Add(e.confirmationTimeout).UTC()
	if err := e.db.SetEnvironmentRunDeadline(ctx, er.ID, deadline); err != nil {
		e.log.ErrorContext(ctx, "confirmation deadline not set", "environment_run_id", er.ID, "error", err)
		return
	}
	if err := e.db.UpdateEnvironmentRunStatus(ctx, er.ID, store.EnvRunRunning, store.EnvRunConfirmationPending); err != nil {
		e.log.WarnContext(ctx, "environment run not moved to confirmation",
			"environment_run_id", er.ID, "error", err)
	}
}

// Confirm releases every planned run of the environment run for apply and
// resumes the aggregate run.
func (e *Executor) Confirm(ctx context.Context, envRunID string) error {
	if err := e.db.UpdateEnvironmentRunStatus(ctx, envRunID, store.EnvRunConfirmationPending, store.EnvRunRunning); err != nil {
		return err
	}
	cohort, err := e.db.ListRunsByEnvironmentRun(ctx, envRunID)
	if err != nil {
		return err
	}
	for _, r := range cohort {
		if r.Status != run.StatusPlanned {
			continue
		}
		if err := e.db.TransitionRun(ctx, r.ID, run.StatusPlanned, run.StatusConfirmed); err != nil {
			e.log.ErrorContext(ctx, "planned run not confirmed", "run_id", r.ID, "error", err)
		}
	}
	return nil
}

// Discard abandons a confirmation-pending environment run, discarding its
// planned module runs.
func (e *Executor) Discard(ctx context.Context, envRunID string) error {
	if err := e.db.UpdateEnvironmentRunStatus(ctx, envRunID, store.EnvRunConfirmationPending, store.EnvRunDiscarded); err != nil {
		return err
	}
	cohort, err := e.db.ListRunsByEnvironmentRun(ctx, envRunID)
	if err != nil {
		return err
	}
	for _, r := range cohort {
		if r.Status != run.StatusPlanned {
			continue
		}
		if err := e.queue.Complete(ctx, r.ID, run.StatusPlanned, run.StatusDiscarded); err != nil {
			e.log.ErrorContext(ctx, "planned run not discarded", "run_id", r.ID, "error", err)
		}
	}
	return nil
}

func (e *Executor) activeGraph(ctx context.Context, envID string) ([]*store.Module, []*store.ModuleDependency, error) {
	all, err := e.db.ListModulesByEnvironment(ctx, envID)
	if err != nil {
		return nil, nil, err
	}
	var modules []*store.Module
	for _, m := range all {
		if m.Status == store.ModuleActive {
			modules = append(modules, m)
		}
	}
	deps, err := e.db.ListDependenciesByEnvironment(ctx, envID)
	if err != nil {
		return nil, nil, err
	}
	return modules, deps, nil
}

// scheduleModule resolves upstream outputs and enqueues the module's run
// for the environment operation.
func (e *Executor) scheduleModule(ctx context.Context, er *store.EnvironmentRun, m *store.Module) error {
	resolved, err := e.resolver.Resolve(ctx, m.ID)
	if err != nil {
		return err
	}
	vars, err := mergeVariables(m.Variables, resolved)
	if err != nil {
		return err
	}

	_, err = e.queue.Enqueue(ctx, queue.Request{
		ModuleID:         m.ID,
		EnvironmentRunID: &er.ID,
		Operation:        er.Operation.ModuleOperation(),
		Mode:             m.Mode,
		Priority:         run.PriorityUser,
		TriggeredBy:      er.TriggeredBy,
		TFVersion:        m.TFVersion,
		Variables:        vars,
		StateBackend:     m.StateBackend,
	})
	return err
}

// releaseDownstream schedules every downstream module of id whose upstreams
// have all succeeded and which has no cohort run yet.
func (e *Executor) releaseDownstream(ctx context.Context, er *store.EnvironmentRun, g *graph, id string) {
	cohort := e.cohortByModule(ctx, er.ID)
	if cohort == nil {
		return
	}
	for _, down := range g.downstreams[id] {
		if _, exists := cohort[down]; exists {
			continue
		}
		ready := true
		for _, up := range g.upstreams[down] {
			upRun, ok := cohort[up]
			if !ok || upRun.Status != run.StatusSucceeded {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		m := g.modules[down]
		if err := e.scheduleModule(ctx, er, m); err != nil {
			e.log.ErrorContext(ctx, "downstream module not scheduled",
				"environment_run_id", er.ID, "module_id", down, "error", err)
			e.failModule(ctx, er, m, fmt.Sprintf("scheduling failed: %v", err))
			e.skipDownstream(ctx, er, g, down, m.Name)
		}
	}
}

// skipDownstream marks every transitive downstream of id skipped,
// recording the failed ancestor. Already-scheduled modules are left alone;
// their own terminal transition will cascade further skips.
func (e *Executor) skipDownstream(ctx context.Context, er *store.EnvironmentRun, g *graph, id, failedName string) {
	cohort := e.cohortByModule(ctx, er.ID)
	if cohort == nil {
		return
	}
	for _, down := range g.transitiveDownstream(id) {
		if _, exists := cohort[down]; exists {
			continue
		}
		e.skipModule(ctx, er, g.modules[down], fmt.Sprintf("upstream %s did not succeed", failedName))
	}
}

// skipModule records an ancestor-failure skip; failModule records a run
// whose own scheduling failed, typically unresolvable upstream outputs.
func (e *Executor) skipModule(ctx context.Context, er *store.EnvironmentRun, m *store.Module, reason string) {
	e.insertDead(ctx, er, m, run.StatusSkipped, reason)
}

func (e *Executor) failModule(ctx context.Context, er *store.EnvironmentRun, m *store.Module, reason string) {
	e.insertDead(ctx, er, m, run.StatusFailed, reason)
}

func (e *Executor) insertDead(ctx context.Context, er *store.EnvironmentRun, m *store.Module, status run.Status, reason string) {
	mr := &store.ModuleRun{
		ModuleID:         m.ID,
		EnvironmentRunID: &er.ID,
		Operation:        er.Operation.ModuleOperation(),
		Mode:             m.Mode,
		Priority:         run.PriorityUser,
		TriggeredBy:      er.TriggeredBy,
		FailureReason:    reason,
	}
	if err := e.db.InsertTerminalRun(ctx, mr, status); err != nil {
		e.log.ErrorContext(ctx, "terminal marker not persisted",
			"environment_run_id", er.ID, "module_id", m.ID, "status", status, "error", err)
	}
}

// settle finishes the environment run when every module has a terminal
// cohort run.
func (e *Executor) settle(ctx context.Context, er *store.EnvironmentRun, g *graph) {
	cohort := e.cohortByModule(ctx, er.ID)
	if cohort == nil {
		return
	}

	allSucceeded := true
	for id := range g.modules {
		r, ok := cohort[id]
		if !ok || !r.Status.IsTerminal() {
			return
		}
		if r.Status != run.StatusSucceeded {
			allSucceeded = false
		}
	}

	final := store.EnvRunSucceeded
	if !allSucceeded {
		final = store.EnvRunFailed
	}
	if err := e.db.UpdateEnvironmentRunStatus(ctx, er.ID, er.Status, final); err != nil {
		e.log.WarnContext(ctx, "environment run not settled",
			"environment_run_id", er.ID, "status", final, "error", err)
		return
	}
	e.log.InfoContext(ctx, "environment run settled", "environment_run_id", er.ID, "status", final)
}

// cohortByModule maps module id to its most recent cohort run.
func (e *Executor) cohortByModule(ctx context.Context, envRunID string) map[string]*store.ModuleRun {
	runs, err := e.db.ListRunsByEnvironmentRun(ctx, envRunID)
	if err != nil {
		e.log.ErrorContext(ctx, "cohort unavailable", "environment_run_id", envRunID, "error", err)
		return nil
	}
	out := make(map[string]*store.ModuleRun, len(runs))
	for _, r := range runs {
		out[r.ModuleID] = r
	}
	return out
}

func terminalEnvStatus(s store.EnvRunStatus) bool {
	return s == store.EnvRunSucceeded || s == store.EnvRunFailed || s == store.EnvRunDiscarded
}

// mergeVariables overlays resolved upstream outputs on the module's own
// variables. Resolved values win on key collision.
func mergeVariables(base json.RawMessage, resolved map[string]json.RawMessage) ([]byte, error) {
	merged := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("dag: module variables are not an object: %w", err)
		}
	}
	for k, v := range resolved {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return json.Marshal(merged)
}
