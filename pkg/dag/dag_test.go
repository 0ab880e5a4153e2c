package dag

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butler-registry/pkg/audit"
	"github.com/butlerhq/butler-registry/pkg/outputs"
	"github.com/butlerhq/butler-registry/pkg/queue"
	"github.com/butlerhq/butler-registry/pkg/run"
	"github.com/butlerhq/butler-registry/pkg/store"
)

func mod(id string) *store.Module {
	return &store.Module{ID: id, Name: id}
}

func edge(from, to string) *store.ModuleDependency {
	return &store.ModuleDependency{ModuleID: from, DependsOnID: to}
}

func TestTopoSort(t *testing.T) {
	t.Run("orders dependencies first, ties by id", func(t *testing.T) {
		modules := []*store.Module{mod("c"), mod("a"), mod("b"), mod("d")}
		// c and d depend on a; b is independent.
		deps := []*store.ModuleDependency{edge("c", "a"), edge("d", "a")}

		order, err := TopoSort(modules, deps)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	})

	t.Run("detects cycles", func(t *testing.T) {
		modules := []*store.Module{mod("a"), mod("b"), mod("c")}
		deps := []*store.ModuleDependency{edge("a", "b"), edge("b", "c"), edge("c", "a")}
		_, err := TopoSort(modules, deps)
		assert.ErrorIs(t, err, ErrDependencyCycle)
	})

	t.Run("deterministic across invocations", func(t *testing.T) {
		modules := []*store.Module{mod("z"), mod("m"), mod("a")}
		first, err := TopoSort(modules, nil)
		require.NoError(t, err)
		for range 5 {
			again, err := TopoSort(modules, nil)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	})
}

type fixture struct {
	db   *store.DB
	q    *queue.Queue
	exec *Executor
	env  *store.Environment
	mods map[string]*store.Module
}

// diamond builds a -> (b, c) -> d, where b, c depend on a and d depends on
// both b and c.
func diamond(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	d, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Init(ctx))

	env := &store.Environment{Name: "prod"}
	require.NoError(t, d.CreateEnvironment(ctx, env))
	a := &store.Artifact{Namespace: "acme", Name: "stack", Type: store.TypeTerraformModule,
		Source: store.SourceConfig{RepositoryURL: "https://github.com/acme/stack"}}
	require.NoError(t, d.CreateArtifact(ctx, a))

	mods := map[string]*store.Module{}
	for _, name := range []string{"a", "b", "c", "d"} {
		m := &store.Module{EnvironmentID: env.ID, ArtifactID: a.ID, Name: name, Mode: run.ModePeaaS}
		require.NoError(t, d.CreateModule(ctx, m))
		mods[name] = m
	}
	for _, e := range [][2]string{{"b", "a"}, {"c", "a"}, {"d", "b"}, {"d", "c"}} {
		require.NoError(t, d.CreateModuleDependency(ctx, &store.ModuleDependency{
			ModuleID: mods[e[0]].ID, DependsOnID: mods[e[1]].ID,
		}))
	}

	log := slog.Default()
	q := queue.New(d, log, audit.NewRecorder(d, log), nil)
	exec := NewExecutor(d, q, outputs.NewResolver(d), log, time.Hour)
	q.SetNotifier(exec)
	return &fixture{db: d, q: q, exec: exec, env: env, mods: mods}
}

// finish drives the active run of a module to the given terminal status.
func (f *fixture) finish(t *testing.T, moduleID string, final run.Status) {
	t.Helper()
	ctx := context.Background()
	active, err := f.q.Active(ctx, moduleID)
	require.NoError(t, err)
	require.NoError(t, f.q.Transition(ctx, active.ID, run.StatusQueued, run.StatusRunning))
	require.NoError(t, f.q.Complete(ctx, active.ID, run.StatusRunning, final))
}

func TestEnvironmentRunHappyPath(t *testing.T) {
	ctx := context.Background()
	f := diamond(t)

	er, err := f.exec.Start(ctx, f.env.ID, run.EnvOpPlanAll, "alice")
	require.NoError(t, err)

	// Only the root is scheduled at first.
	cohort, err := f.db.ListRunsByEnvironmentRun(ctx, er.ID)
	require.NoError(t, err)
	require.Len(t, cohort, 1)
	assert.Equal(t, f.mods["a"].ID, cohort[0].ModuleID)
	assert.Equal(t, run.OpPlan, cohort[0].Operation)

	f.finish(t, f.mods["a"].ID, run.StatusSucceeded)

	// Both mid-tier modules released; d still waiting.
	cohort, err = f.db.ListRunsByEnvironmentRun(ctx, er.ID)
	require.NoError(t, err)
	assert.Len(t, cohort, 3)

	f.finish(t, f.mods["b"].ID, run.StatusSucceeded)
	f.finish(t, f.mods["c"].ID, run.StatusSucceeded)
	f.finish(t, f.mods["d"].ID, run.StatusSucceeded)

	got, err := f.db.GetEnvironmentRun(ctx, er.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvRunSucceeded, got.Status)
}

func TestEnvironmentRunSkipPropagation(t *testing.T) {
	ctx := context.Background()
	f := diamond(t)

	er, err := f.exec.Start(ctx, f.env.ID, run.EnvOpPlanAll, "alice")
	require.NoError(t, err)

	f.finish(t, f.mods["a"].ID, run.StatusSucceeded)
	f.finish(t, f.mods["b"].ID, run.StatusFailed)

	// d must be skipped with the failed ancestor recorded; c keeps running.
	cohort, err := f.db.ListRunsByEnvironmentRun(ctx, er.ID)
	require.NoError(t, err)
	byModule := map[string]*store.ModuleRun{}
	for _, r := range cohort {
		byModule[r.ModuleID] = r
	}
	require.Contains(t, byModule, f.mods["d"].ID)
	assert.Equal(t, run.StatusSkipped, byModule[f.mods["d"].ID].Status)
	assert.Contains(t, byModule[f.mods["d"].ID].FailureReason, "b")

	f.finish(t, f.mods["c"].ID, run.StatusSucceeded)

	got, err := f.db.GetEnvironmentRun(ctx, er.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvRunFailed, got.Status)
}

func TestEnvironmentRunGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("locked environment refused", func(t *testing.T) {
		f := diamond(t)
		require.NoError(t, f.db.SetEnvironmentLock(ctx, f.env.ID, true))
		_, err := f.exec.Start(ctx, f.env.ID, run.EnvOpPlanAll, "alice")
		assert.ErrorIs(t, err, ErrEnvironmentLocked)
	})

	t.Run("cycle refused before any run is created", func(t *testing.T) {
		f := diamond(t)
		// Close the loop: a depends on d.
		require.NoError(t, f.db.CreateModuleDependency(ctx, &store.ModuleDependency{
			ModuleID: f.mods["a"].ID, DependsOnID: f.mods["d"].ID,
		}))
		_, err := f.exec.Start(ctx, f.env.ID, run.EnvOpPlanAll, "alice")
		assert.ErrorIs(t, err, ErrDependencyCycle)
	})
}

func TestConfirmationFlow(t *testing.T) {
	ctx := context.Background()
	f := diamond(t)

	er, err := f.exec.Start(ctx, f.env.ID, run.EnvOpApplyAll, "alice")
	require.NoError(t, err)

	active, err := f.q.Active(ctx, f.mods["a"].ID)
	require.NoError(t, err)
	assert.Equal(t, run.OpApply, active.Operation)

	require.NoError(t, f.q.Transition(ctx, active.ID, run.StatusQueued, run.StatusRunning))
	require.NoError(t, f.q.Transition(ctx, active.ID, run.StatusRunning, run.StatusPlanned))
	f.exec.OnModuleRunPlanned(ctx, mustRun(t, f.db, active.ID))

	got, err := f.db.GetEnvironmentRun(ctx, er.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvRunConfirmationPending, got.Status)
	require.NotNil(t, got.ConfirmationDeadline)

	require.NoError(t, f.exec.Confirm(ctx, er.ID))

	got, err = f.db.GetEnvironmentRun(ctx, er.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvRunRunning, got.Status)

	confirmed, err := f.db.GetRun(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusConfirmed, confirmed.Status)
}

func TestDiscardFlow(t *testing.T) {
	ctx := context.Background()
	f := diamond(t)

	er, err := f.exec.Start(ctx, f.env.ID, run.EnvOpApplyAll, "alice")
	require.NoError(t, err)

	active, err := f.q.Active(ctx, f.mods["a"].ID)
	require.NoError(t, err)
	require.NoError(t, f.q.Transition(ctx, active.ID, run.StatusQueued, run.StatusRunning))
	require.NoError(t, f.q.Transition(ctx, active.ID, run.StatusRunning, run.StatusPlanned))
	f.exec.OnModuleRunPlanned(ctx, mustRun(t, f.db, active.ID))

	require.NoError(t, f.exec.Discard(ctx, er.ID))

	got, err := f.db.GetEnvironmentRun(ctx, er.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvRunDiscarded, got.Status)

	discarded, err := f.db.GetRun(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusDiscarded, discarded.Status)
}

// chain builds a -> b -> c, where b maps a's vpc_id output into its own
// variables and c depends on b with no mapping.
func chain(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	d, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Init(ctx))

	env := &store.Environment{Name: "prod"}
	require.NoError(t, d.CreateEnvironment(ctx, env))
	a := &store.Artifact{Namespace: "acme", Name: "stack", Type: store.TypeTerraformModule,
		Source: store.SourceConfig{RepositoryURL: "https://github.com/acme/stack"}}
	require.NoError(t, d.CreateArtifact(ctx, a))

	mods := map[string]*store.Module{}
	for _, name := range []string{"a", "b", "c"} {
		m := &store.Module{EnvironmentID: env.ID, ArtifactID: a.ID, Name: name, Mode: run.ModePeaaS}
		require.NoError(t, d.CreateModule(ctx, m))
		mods[name] = m
	}
	require.NoError(t, d.CreateModuleDependency(ctx, &store.ModuleDependency{
		ModuleID: mods["b"].ID, DependsOnID: mods["a"].ID,
		OutputMapping: []store.OutputMapping{{UpstreamOutput: "vpc_id", DownstreamVariable: "vpc_id"}},
	}))
	require.NoError(t, d.CreateModuleDependency(ctx, &store.ModuleDependency{
		ModuleID: mods["c"].ID, DependsOnID: mods["b"].ID,
	}))

	log := slog.Default()
	q := queue.New(d, log, audit.NewRecorder(d, log), nil)
	exec := NewExecutor(d, q, outputs.NewResolver(d), log, time.Hour)
	q.SetNotifier(exec)
	return &fixture{db: d, q: q, exec: exec, env: env, mods: mods}
}

func TestUnresolvableUpstreamOutputFailsRun(t *testing.T) {
	ctx := context.Background()
	f := chain(t)

	// a has a prior successful apply, but it exported subnet_ids only.
	seed, err := f.q.Enqueue(ctx, queue.Request{
		ModuleID: f.mods["a"].ID, Operation: run.OpApply, Mode: run.ModePeaaS,
		Priority: run.PriorityUser, TriggeredBy: "seed",
	})
	require.NoError(t, err)
	require.NoError(t, f.q.Transition(ctx, seed.ID, run.StatusQueued, run.StatusRunning))
	require.NoError(t, f.db.SetRunOutputs(ctx, seed.ID, json.RawMessage(`{"subnet_ids":["subnet-1"]}`)))
	require.NoError(t, f.q.Complete(ctx, seed.ID, run.StatusRunning, run.StatusSucceeded))

	er, err := f.exec.Start(ctx, f.env.ID, run.EnvOpPlanAll, "alice")
	require.NoError(t, err)
	f.finish(t, f.mods["a"].ID, run.StatusSucceeded)

	cohort, err := f.db.ListRunsByEnvironmentRun(ctx, er.ID)
	require.NoError(t, err)
	byModule := map[string]*store.ModuleRun{}
	for _, r := range cohort {
		byModule[r.ModuleID] = r
	}

	// b's own scheduling failed, so its run is failed with the missing
	// key named; only its downstream is skipped.
	b := byModule[f.mods["b"].ID]
	require.NotNil(t, b)
	assert.Equal(t, run.StatusFailed, b.Status)
	assert.Contains(t, b.FailureReason, `upstream output "vpc_id" not found`)
	assert.Contains(t, b.FailureReason, "subnet_ids")

	c := byModule[f.mods["c"].ID]
	require.NotNil(t, c)
	assert.Equal(t, run.StatusSkipped, c.Status)
	assert.Contains(t, c.FailureReason, "upstream b did not succeed")

	got, err := f.db.GetEnvironmentRun(ctx, er.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvRunFailed, got.Status)
}

func mustRun(t *testing.T, d *store.DB, id string) *store.ModuleRun {
	t.Helper()
	r, err := d.GetRun(context.Background(), id)
	require.NoError(t, err)
	return r
}
