package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butler-registry/pkg/audit"
	"github.com/butlerhq/butler-registry/pkg/cascade"
	"github.com/butlerhq/butler-registry/pkg/policy"
	"github.com/butlerhq/butler-registry/pkg/queue"
	"github.com/butlerhq/butler-registry/pkg/run"
	"github.com/butlerhq/butler-registry/pkg/store"
	"github.com/butlerhq/butler-registry/pkg/webhook"
)

type captureInvalidator struct {
	mu         sync.Mutex
	namespaces []string
}

func (c *captureInvalidator) Invalidate(ns string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namespaces = append(c.namespaces, ns)
}

type fixture struct {
	db  *store.DB
	svc *Service
	inv *captureInvalidator
	q   *queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	d, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Init(ctx))

	log := slog.Default()
	auditor := audit.NewRecorder(d, log)
	q := queue.New(d, log, auditor, nil)
	ev, err := policy.NewEvaluator(d, log)
	require.NoError(t, err)
	inv := &captureInvalidator{}
	svc := NewService(d, ev, cascade.NewManager(d, q, auditor, log), auditor, inv, log)
	return &fixture{db: d, svc: svc, inv: inv, q: q}
}

func (f *fixture) artifact(t *testing.T, name, repo string, typ store.ArtifactType, policyDoc string) *store.Artifact {
	t.Helper()
	a := &store.Artifact{
		Namespace: "acme", Name: name, Type: typ, Team: "platform",
		Source: store.SourceConfig{RepositoryURL: repo},
	}
	if policyDoc != "" {
		a.ApprovalPolicy = json.RawMessage(policyDoc)
	}
	require.NoError(t, f.db.CreateArtifact(context.Background(), a))
	return a
}

func push(repo, tag string) *webhook.PushEvent {
	return &webhook.PushEvent{
		RepositoryURL:      repo,
		RepositoryFullName: "acme/repo",
		Ref:                "refs/tags/" + tag,
		Tag:                tag,
	}
}

func TestHandlePush(t *testing.T) {
	ctx := context.Background()

	t.Run("creates pending version for matching artifact", func(t *testing.T) {
		f := newFixture(t)
		a := f.artifact(t, "vpc", "https://github.com/acme/vpc", store.TypeTerraformModule, "")

		res, err := f.svc.HandlePush(ctx, push("https://github.com/acme/vpc", "v1.2.3"))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Matched)
		assert.Equal(t, 1, res.Created)
		assert.Zero(t, res.AutoApproved)

		v, err := f.db.GetVersionByString(ctx, a.ID, "1.2.3")
		require.NoError(t, err)
		assert.Equal(t, store.VersionPending, v.Status)
		assert.Equal(t, 1, v.Major)
	})

	t.Run("replay does not reset status", func(t *testing.T) {
		f := newFixture(t)
		a := f.artifact(t, "vpc", "https://github.com/acme/vpc", store.TypeTerraformModule, "")

		_, err := f.svc.HandlePush(ctx, push("https://github.com/acme/vpc", "v1.0.0"))
		require.NoError(t, err)
		v, err := f.db.GetVersionByString(ctx, a.ID, "1.0.0")
		require.NoError(t, err)
		require.NoError(t, f.svc.Approve(ctx, a, v, "alice"))

		res, err := f.svc.HandlePush(ctx, push("https://github.com/acme/vpc", "v1.0.0"))
		require.NoError(t, err)
		assert.Zero(t, res.Created)

		v, err = f.db.GetVersionByString(ctx, a.ID, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, store.VersionApproved, v.Status)
	})

	t.Run("non-semver tag ignored", func(t *testing.T) {
		f := newFixture(t)
		f.artifact(t, "vpc", "https://github.com/acme/vpc", store.TypeTerraformModule, "")
		res, err := f.svc.HandlePush(ctx, push("https://github.com/acme/vpc", "release-candidate"))
		require.NoError(t, err)
		assert.Zero(t, res.Created)
	})

	t.Run("unknown repository matches nothing", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.HandlePush(ctx, push("https://github.com/acme/unknown", "v1.0.0"))
		require.NoError(t, err)
		assert.Zero(t, res.Matched)
	})

	t.Run("tag prefix stripped per artifact", func(t *testing.T) {
		f := newFixture(t)
		a := &store.Artifact{
			Namespace: "acme", Name: "chart", Type: store.TypeHelmChart,
			Source: store.SourceConfig{RepositoryURL: "https://github.com/acme/charts", TagPrefix: "chart-"},
		}
		require.NoError(t, f.db.CreateArtifact(ctx, a))

		res, err := f.svc.HandlePush(ctx, push("https://github.com/acme/charts", "chart-2.1.0"))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Created)

		_, err = f.db.GetVersionByString(ctx, a.ID, "2.1.0")
		require.NoError(t, err)

		res, err = f.svc.HandlePush(ctx, push("https://github.com/acme/charts", "v9.9.9"))
		require.NoError(t, err)
		assert.Zero(t, res.Created, "unprefixed tag skipped")
	})

	t.Run("helm publishes invalidate the index cache", func(t *testing.T) {
		f := newFixture(t)
		f.artifact(t, "chart", "https://github.com/acme/charts", store.TypeHelmChart, "")
		_, err := f.svc.HandlePush(ctx, push("https://github.com/acme/charts", "1.0.0"))
		require.NoError(t, err)
		assert.Contains(t, f.inv.namespaces, "acme")
	})
}

func TestAutoApprove(t *testing.T) {
	ctx := context.Background()
	const repo = "https://github.com/acme/vpc"
	const pol = `{"autoApprovePatches": true}`

	t.Run("first version auto-approves", func(t *testing.T) {
		f := newFixture(t)
		a := f.artifact(t, "vpc", repo, store.TypeTerraformModule, pol)

		res, err := f.svc.HandlePush(ctx, push(repo, "v1.0.0"))
		require.NoError(t, err)
		assert.Equal(t, 1, res.AutoApproved)

		v, err := f.db.GetVersionByString(ctx, a.ID, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, store.VersionApproved, v.Status)
		assert.Equal(t, AutoApprover, v.ApprovedBy)
		assert.True(t, v.IsLatest)
	})

	t.Run("patch bump auto-approves, minor does not", func(t *testing.T) {
		f := newFixture(t)
		a := f.artifact(t, "vpc", repo, store.TypeTerraformModule, pol)

		_, err := f.svc.HandlePush(ctx, push(repo, "v1.0.0"))
		require.NoError(t, err)

		res, err := f.svc.HandlePush(ctx, push(repo, "v1.0.1"))
		require.NoError(t, err)
		assert.Equal(t, 1, res.AutoApproved)

		res, err = f.svc.HandlePush(ctx, push(repo, "v1.1.0"))
		require.NoError(t, err)
		assert.Zero(t, res.AutoApproved)

		v, err := f.db.GetVersionByString(ctx, a.ID, "1.1.0")
		require.NoError(t, err)
		assert.Equal(t, store.VersionPending, v.Status)
	})

	t.Run("ci gate disables auto-approval", func(t *testing.T) {
		f := newFixture(t)
		a := f.artifact(t, "vpc", repo, store.TypeTerraformModule,
			`{"autoApprovePatches": true, "requirePassingTests": true}`)

		res, err := f.svc.HandlePush(ctx, push(repo, "v1.0.0"))
		require.NoError(t, err)
		assert.Zero(t, res.AutoApproved)

		v, err := f.db.GetVersionByString(ctx, a.ID, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, store.VersionPending, v.Status)
	})
}

func TestApprovalCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const repo = "https://github.com/acme/vpc"
	a := f.artifact(t, "vpc", repo, store.TypeTerraformModule, `{"autoApprovePatches": true}`)

	env := &store.Environment{Name: "dev"}
	require.NoError(t, f.db.CreateEnvironment(ctx, env))
	m := &store.Module{EnvironmentID: env.ID, ArtifactID: a.ID, Name: "vpc",
		Mode: run.ModePeaaS, AutoPlanOnUpdate: true}
	require.NoError(t, f.db.CreateModule(ctx, m))

	_, err := f.svc.HandlePush(ctx, push(repo, "v1.0.0"))
	require.NoError(t, err)

	active, err := f.q.Active(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, run.PriorityCascade, active.Priority)
	assert.Equal(t, cascade.TriggeredBy, active.TriggeredBy)
}
