package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butler-registry/pkg/audit"
	"github.com/butlerhq/butler-registry/pkg/queue"
	"github.com/butlerhq/butler-registry/pkg/run"
	"github.com/butlerhq/butler-registry/pkg/store"
)

func TestParseRepoURL(t *testing.T) {
	cases := []struct {
		raw   string
		want  Target
		fails bool
	}{
		{raw: "https://github.com/acme/infra", want: Target{"acme", "infra"}},
		{raw: "https://github.com/acme/infra.git", want: Target{"acme", "infra"}},
		{raw: "https://gitlab.example.com/acme/infra/", want: Target{"acme", "infra"}},
		{raw: "git@github.com:acme/infra.git", want: Target{"acme", "infra"}},
		{raw: "git@bitbucket.org:acme/infra", want: Target{"acme", "infra"}},
		{raw: "", fails: true},
		{raw: "ftp://github.com/acme/infra", fails: true},
		{raw: "https://github.com", fails: true},
		{raw: "https://github.com/onlyowner", fails: true},
		{raw: "git@github.com", fails: true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseRepoURL(tc.raw)
			if tc.fails {
				assert.ErrorIs(t, err, ErrNoTarget)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

type captureSender struct {
	mu       sync.Mutex
	sent     []Payload
	targets  []Target
	failWith error
}

func (c *captureSender) Send(_ context.Context, target Target, payload Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.sent = append(c.sent, payload)
	c.targets = append(c.targets, target)
	return nil
}

type fixture struct {
	db     *store.DB
	queue  *queue.Queue
	sender *captureSender
	disp   *Dispatcher
	envID  string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	d, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Init(ctx))

	env := &store.Environment{Name: "prod",
		CloudIntegration: &store.CloudIntegration{GCPProjectID: "acme-prod", GCPServiceAccount: "tf@acme-prod.iam"}}
	require.NoError(t, d.CreateEnvironment(ctx, env))

	log := slog.Default()
	sender := &captureSender{}
	q := queue.New(d, log, audit.NewRecorder(d, log), queue.NopNotifier{})
	disp := New(d, q, sender, nil, log, Config{
		Enabled:             true,
		ButlerURL:           "https://butler.acme.io",
		PeaaS:               Target{Owner: "acme", Repo: "peaas-runner"},
		MaxConcurrent:       2,
		RunTimeout:          time.Hour,
		ConfirmationTimeout: time.Hour,
	})
	return &fixture{db: d, queue: q, sender: sender, disp: disp, envID: env.ID}
}

func (f *fixture) module(t *testing.T, name string, mode run.Mode, opts func(*store.Module)) *store.Module {
	t.Helper()
	ctx := context.Background()
	a := &store.Artifact{Namespace: "acme", Name: name, Type: store.TypeTerraformModule,
		Source: store.SourceConfig{RepositoryURL: "https://github.com/acme/" + name}}
	require.NoError(t, f.db.CreateArtifact(ctx, a))
	m := &store.Module{EnvironmentID: f.envID, ArtifactID: a.ID, Name: name, Mode: mode}
	if opts != nil {
		opts(m)
	}
	require.NoError(t, f.db.CreateModule(ctx, m))
	return m
}

func (f *fixture) enqueue(t *testing.T, moduleID string, pri run.Priority) *store.ModuleRun {
	t.Helper()
	mr, err := f.queue.Enqueue(context.Background(), queue.Request{
		ModuleID: moduleID, Operation: run.OpPlan, Mode: run.ModePeaaS,
		Priority: pri, TriggeredBy: "alice"})
	require.NoError(t, err)
	return mr
}

func TestPollDispatchesQueued(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	m := f.module(t, "vpc", run.ModePeaaS, nil)
	mr := f.enqueue(t, m.ID, run.PriorityUser)

	f.disp.PollOnce(ctx)

	t.Run("run moved to running with a callback token", func(t *testing.T) {
		got, err := f.db.GetRunWithTokenHash(ctx, mr.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusRunning, got.Status)
		assert.NotNil(t, got.StartedAt)
		require.NotNil(t, got.CallbackTokenHash)
		assert.NotEmpty(t, *got.CallbackTokenHash)
	})

	t.Run("payload carries run identity and cloud fields", func(t *testing.T) {
		require.Len(t, f.sender.sent, 1)
		p := f.sender.sent[0]
		assert.Equal(t, "https://butler.acme.io", p.ButlerURL)
		assert.Equal(t, mr.ID, p.RunID)
		assert.Equal(t, "plan", p.Operation)
		assert.Equal(t, "vpc", p.ModuleName)
		assert.True(t, strings.HasPrefix(p.CallbackToken, "brce_"))
		assert.Equal(t, "acme-prod", p.GCPProjectID, "environment cloud integration resolved")
		assert.Equal(t, Target{Owner: "acme", Repo: "peaas-runner"}, f.sender.targets[0])
	})

	t.Run("second poll is a no-op", func(t *testing.T) {
		f.disp.PollOnce(ctx)
		assert.Len(t, f.sender.sent, 1)
	})
}

func TestPollRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	var runs []*store.ModuleRun
	for _, name := range []string{"a", "b", "c"} {
		m := f.module(t, name, run.ModePeaaS, nil)
		runs = append(runs, f.enqueue(t, m.ID, run.PriorityUser))
	}

	f.disp.PollOnce(ctx)
	assert.Len(t, f.sender.sent, 2, "capacity is 2")

	var dispatched int
	for _, mr := range runs {
		got, err := f.db.GetRun(ctx, mr.ID)
		require.NoError(t, err)
		if got.Status == run.StatusRunning {
			dispatched++
		}
	}
	assert.Equal(t, 2, dispatched)
}

func TestByocTargetAndRequeue(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	t.Run("byoc dispatches to the trigger repository", func(t *testing.T) {
		m := f.module(t, "edge", run.ModeBYOC, func(m *store.Module) {
			m.VCSTrigger = &store.VCSTrigger{RepositoryURL: "git@github.com:acme/edge-infra.git"}
		})
		f.enqueue(t, m.ID, run.PriorityUser)
		f.disp.PollOnce(ctx)
		require.Len(t, f.sender.targets, 1)
		assert.Equal(t, Target{Owner: "acme", Repo: "edge-infra"}, f.sender.targets[0])
	})

	t.Run("missing trigger reverts the run to queued", func(t *testing.T) {
		m := f.module(t, "orphan", run.ModeBYOC, nil)
		mr := f.enqueue(t, m.ID, run.PriorityUser)
		f.disp.PollOnce(ctx)

		got, err := f.db.GetRunWithTokenHash(ctx, mr.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusQueued, got.Status)
		assert.Nil(t, got.CallbackTokenHash)
		assert.Len(t, f.sender.sent, 1, "nothing new dispatched")
	})
}

func TestSendFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	m := f.module(t, "vpc", run.ModePeaaS, nil)
	mr := f.enqueue(t, m.ID, run.PriorityUser)
	waiting := f.enqueue(t, m.ID, run.PriorityUser)

	f.sender.failWith = assert.AnError
	f.disp.PollOnce(ctx)

	got, err := f.db.GetRun(ctx, mr.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "dispatch to acme/peaas-runner failed")
	assert.NotNil(t, got.CompletedAt)

	next, err := f.db.GetRun(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, next.Status, "failure dequeues the next run")
}

func TestConfirmedRunsDispatchApply(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	m := f.module(t, "vpc", run.ModePeaaS, nil)
	mr := f.enqueue(t, m.ID, run.PriorityUser)

	require.NoError(t, f.db.TransitionRun(ctx, mr.ID, run.StatusQueued, run.StatusRunning))
	require.NoError(t, f.db.TransitionRun(ctx, mr.ID, run.StatusRunning, run.StatusPlanned))
	require.NoError(t, f.db.TransitionRun(ctx, mr.ID, run.StatusPlanned, run.StatusConfirmed))

	f.disp.PollOnce(ctx)

	got, err := f.db.GetRun(ctx, mr.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusApplying, got.Status)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "apply", f.sender.sent[0].Operation)
}

func TestRecoverCrashed(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	m := f.module(t, "vpc", run.ModePeaaS, nil)
	stale := f.enqueue(t, m.ID, run.PriorityUser)
	fresh := f.enqueue(t, m.ID, run.PriorityUser)

	require.NoError(t, f.db.TransitionRun(ctx, stale.ID, run.StatusQueued, run.StatusRunning))
	// Age the run past the timeout.
	res, err := f.db.Raw().ExecContext(ctx,
		`UPDATE module_runs SET started_at = ? WHERE id = ?`,
		time.Now().Add(-2*time.Hour), stale.ID)
	require.NoError(t, err)
	n, _ := res.RowsAffected()
	require.EqualValues(t, 1, n)

	f.disp.RecoverCrashed(ctx)

	got, err := f.db.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusTimedOut, got.Status)
	assert.Contains(t, got.FailureReason, "no callback")

	next, err := f.db.GetRun(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, next.Status, "timeout promotes the next run")
}

func TestSweepDiscardsExpiredPlans(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	m := f.module(t, "vpc", run.ModePeaaS, nil)

	t.Run("stale plan is discarded", func(t *testing.T) {
		mr := f.enqueue(t, m.ID, run.PriorityUser)
		require.NoError(t, f.db.TransitionRun(ctx, mr.ID, run.StatusQueued, run.StatusRunning))
		require.NoError(t, f.db.TransitionRun(ctx, mr.ID, run.StatusRunning, run.StatusPlanned))
		res, err := f.db.Raw().ExecContext(ctx,
			`UPDATE module_runs SET planned_at = ? WHERE id = ?`,
			time.Now().Add(-2*time.Hour), mr.ID)
		require.NoError(t, err)
		n, _ := res.RowsAffected()
		require.EqualValues(t, 1, n)

		f.disp.SweepOnce(ctx)

		got, err := f.db.GetRun(ctx, mr.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusDiscarded, got.Status)
	})

	t.Run("window opens when the plan lands, not at creation", func(t *testing.T) {
		mr := f.enqueue(t, m.ID, run.PriorityUser)
		// The run sat in the queue far longer than the confirmation
		// timeout before producing its plan.
		res, err := f.db.Raw().ExecContext(ctx,
			`UPDATE module_runs SET created_at = ? WHERE id = ?`,
			time.Now().Add(-6*time.Hour), mr.ID)
		require.NoError(t, err)
		n, _ := res.RowsAffected()
		require.EqualValues(t, 1, n)
		require.NoError(t, f.db.TransitionRun(ctx, mr.ID, run.StatusQueued, run.StatusRunning))
		require.NoError(t, f.db.TransitionRun(ctx, mr.ID, run.StatusRunning, run.StatusPlanned))

		f.disp.SweepOnce(ctx)

		got, err := f.db.GetRun(ctx, mr.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusPlanned, got.Status, "fresh plan keeps its full window")
		require.NotNil(t, got.PlannedAt)
	})
}

func TestGitHubClientSend(t *testing.T) {
	ctx := context.Background()

	t.Run("posts the dispatch event with a bearer token", func(t *testing.T) {
		var got struct {
			EventType     string  `json:"event_type"`
			ClientPayload Payload `json:"client_payload"`
		}
		var auth, path string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			path = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		c := NewGitHubClient(srv.URL, "ghp_testtoken")
		err := c.Send(ctx, Target{Owner: "acme", Repo: "runner"}, Payload{RunID: "r1", Operation: "plan"})
		require.NoError(t, err)

		assert.Equal(t, "Bearer ghp_testtoken", auth)
		assert.Equal(t, "/repos/acme/runner/dispatches", path)
		assert.Equal(t, "butler-run", got.EventType)
		assert.Equal(t, "r1", got.ClientPayload.RunID)
	})

	t.Run("non-2xx surfaces status and body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"Invalid request"}`))
		}))
		defer srv.Close()

		c := NewGitHubClient(srv.URL, "ghp_testtoken")
		err := c.Send(ctx, Target{Owner: "acme", Repo: "runner"}, Payload{RunID: "r1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "422")
		assert.Contains(t, err.Error(), "Invalid request")
	})
}
