package queue

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butler-registry/pkg/audit"
	"github.com/butlerhq/butler-registry/pkg/run"
	"github.com/butlerhq/butler-registry/pkg/store"
)

type captureNotifier struct {
	mu   sync.Mutex
	runs []*store.ModuleRun
}

func (c *captureNotifier) OnModuleRunComplete(_ context.Context, mr *store.ModuleRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, mr)
}

func setup(t *testing.T) (*Queue, *store.DB, string, *captureNotifier) {
	t.Helper()
	ctx := context.Background()
	d, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Init(ctx))

	env := &store.Environment{Name: "prod"}
	require.NoError(t, d.CreateEnvironment(ctx, env))
	a := &store.Artifact{Namespace: "acme", Name: "vpc", Type: store.TypeTerraformModule,
		Source: store.SourceConfig{RepositoryURL: "https://github.com/acme/vpc"}}
	require.NoError(t, d.CreateArtifact(ctx, a))
	m := &store.Module{EnvironmentID: env.ID, ArtifactID: a.ID, Name: "vpc", Mode: run.ModePeaaS}
	require.NoError(t, d.CreateModule(ctx, m))

	log := slog.Default()
	n := &captureNotifier{}
	q := New(d, log, audit.NewRecorder(d, log), n)
	return q, d, m.ID, n
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	q, _, moduleID, _ := setup(t)

	user := func(op run.Operation) Request {
		return Request{ModuleID: moduleID, Operation: op, Mode: run.ModePeaaS,
			Priority: run.PriorityUser, TriggeredBy: "alice"}
	}
	cascade := Request{ModuleID: moduleID, Operation: run.OpPlan, Mode: run.ModePeaaS,
		Priority: run.PriorityCascade, TriggeredBy: "system:cascade"}

	t.Run("first run is queued immediately", func(t *testing.T) {
		mr, err := q.Enqueue(ctx, user(run.OpPlan))
		require.NoError(t, err)
		assert.Equal(t, run.StatusQueued, mr.Status)
		assert.Nil(t, mr.QueuePosition)
	})

	t.Run("followers get increasing positions", func(t *testing.T) {
		r1, err := q.Enqueue(ctx, cascade)
		require.NoError(t, err)
		r2, err := q.Enqueue(ctx, user(run.OpApply))
		require.NoError(t, err)
		require.NotNil(t, r1.QueuePosition)
		require.NotNil(t, r2.QueuePosition)
		assert.Equal(t, 1, *r1.QueuePosition)
		assert.Equal(t, 2, *r2.QueuePosition)
	})

	t.Run("cascade coalesces older pending cascades", func(t *testing.T) {
		before, err := q.QueuedCount(ctx, moduleID)
		require.NoError(t, err)

		newer, err := q.Enqueue(ctx, cascade)
		require.NoError(t, err)
		after, err := q.QueuedCount(ctx, moduleID)
		require.NoError(t, err)
		assert.Equal(t, before, after, "one cascade replaced, count unchanged")
		assert.Equal(t, run.StatusPending, newer.Status)
	})

	t.Run("user runs are never coalesced", func(t *testing.T) {
		count, err := q.QueuedCount(ctx, moduleID)
		require.NoError(t, err)
		// One user apply plus the surviving cascade from above.
		assert.Equal(t, 2, count)
	})
}

func TestCompletePromotesNext(t *testing.T) {
	ctx := context.Background()
	q, d, moduleID, notifier := setup(t)

	first, err := q.Enqueue(ctx, Request{ModuleID: moduleID, Operation: run.OpPlan,
		Mode: run.ModePeaaS, Priority: run.PriorityCascade, TriggeredBy: "system:cascade"})
	require.NoError(t, err)
	waitingCascade, err := q.Enqueue(ctx, Request{ModuleID: moduleID, Operation: run.OpApply,
		Mode: run.ModePeaaS, Priority: run.PriorityCascade, TriggeredBy: "system:cascade"})
	require.NoError(t, err)
	waitingUser, err := q.Enqueue(ctx, Request{ModuleID: moduleID, Operation: run.OpPlan,
		Mode: run.ModePeaaS, Priority: run.PriorityUser, TriggeredBy: "alice"})
	require.NoError(t, err)

	require.NoError(t, q.Transition(ctx, first.ID, run.StatusQueued, run.StatusRunning))
	require.NoError(t, q.Complete(ctx, first.ID, run.StatusRunning, run.StatusSucceeded))

	t.Run("user run jumps the earlier cascade", func(t *testing.T) {
		got, err := d.GetRun(ctx, waitingUser.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusQueued, got.Status)
		assert.Nil(t, got.QueuePosition)

		still, err := d.GetRun(ctx, waitingCascade.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusPending, still.Status)
	})

	t.Run("notifier observed the terminal run", func(t *testing.T) {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		require.Len(t, notifier.runs, 1)
		assert.Equal(t, first.ID, notifier.runs[0].ID)
		assert.Equal(t, run.StatusSucceeded, notifier.runs[0].Status)
	})

	t.Run("complete rejects non-terminal target", func(t *testing.T) {
		err := q.Complete(ctx, waitingUser.ID, run.StatusQueued, run.StatusRunning)
		assert.Error(t, err)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	q, d, moduleID, _ := setup(t)

	active, err := q.Enqueue(ctx, Request{ModuleID: moduleID, Operation: run.OpPlan,
		Mode: run.ModePeaaS, Priority: run.PriorityUser, TriggeredBy: "alice"})
	require.NoError(t, err)
	waiting, err := q.Enqueue(ctx, Request{ModuleID: moduleID, Operation: run.OpPlan,
		Mode: run.ModePeaaS, Priority: run.PriorityUser, TriggeredBy: "bob"})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, active.ID, "alice"))

	got, err := d.GetRun(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, got.Status, "cancellation frees the slot")

	err = q.Cancel(ctx, active.ID, "alice")
	assert.ErrorIs(t, err, run.ErrIllegalTransition)
}
