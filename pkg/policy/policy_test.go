package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butler-registry/pkg/store"
)

func testStore(t *testing.T) *store.DB {
	t.Helper()
	d, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Init(context.Background()))
	return d
}

func seed(t *testing.T, d *store.DB) (*store.Artifact, *store.Version) {
	t.Helper()
	ctx := context.Background()
	a := &store.Artifact{
		Namespace: "acme", Name: "vpc", Type: store.TypeTerraformModule, Team: "platform",
		Source: store.SourceConfig{RepositoryURL: "https://github.com/acme/vpc"},
	}
	require.NoError(t, d.CreateArtifact(ctx, a))
	_, v, err := d.UpsertVersion(ctx, &store.Version{
		ArtifactID: a.ID, Version: "1.2.3", Major: 1, Minor: 2, Patch: 3, PublishedBy: "alice",
	})
	require.NoError(t, err)
	return a, v
}

func TestParseRules(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		r, err := ParseRules(json.RawMessage(`{"minApprovers": 2, "enforcementLevel": "warn"}`))
		require.NoError(t, err)
		require.NotNil(t, r.MinApprovers)
		assert.Equal(t, 2, *r.MinApprovers)
		assert.Equal(t, EnforceWarn, r.Enforcement())
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := ParseRules(json.RawMessage(`{"minimumApprovers": 2}`))
		assert.Error(t, err)
	})

	t.Run("bad grade rejected", func(t *testing.T) {
		_, err := ParseRules(json.RawMessage(`{"requiredScanGrade": "E"}`))
		assert.Error(t, err)
	})

	t.Run("zero approvers rejected", func(t *testing.T) {
		_, err := ParseRules(json.RawMessage(`{"minApprovers": 0}`))
		assert.Error(t, err)
	})
}

func TestGradeOrdering(t *testing.T) {
	assert.True(t, GradeSatisfies("A", "B"))
	assert.True(t, GradeSatisfies("B", "B"))
	assert.False(t, GradeSatisfies("C", "B"))
	assert.False(t, GradeSatisfies("F", "D"))
	assert.True(t, GradeSatisfies("D", "F"))
	// Unknown grades never satisfy anything, not even F.
	assert.False(t, GradeSatisfies("X", "F"))
	assert.False(t, GradeSatisfies("", "F"))
}

func TestResolveNarrowestWins(t *testing.T) {
	ctx := context.Background()
	d := testStore(t)
	a, _ := seed(t, d)
	log := slog.Default()

	require.NoError(t, d.CreatePolicyBinding(ctx, &store.PolicyBinding{
		Scope: store.ScopeGlobal,
		Rules: json.RawMessage(`{"minApprovers": 3, "requirePassingTests": true, "enforcementLevel": "block"}`),
	}))
	require.NoError(t, d.CreatePolicyBinding(ctx, &store.PolicyBinding{
		Scope: store.ScopeTeam, ScopeRef: "platform",
		Rules: json.RawMessage(`{"minApprovers": 2}`),
	}))
	require.NoError(t, d.CreatePolicyBinding(ctx, &store.PolicyBinding{
		Scope: store.ScopeArtifact, ScopeRef: a.ID,
		Rules: json.RawMessage(`{"minApprovers": 1, "enforcementLevel": "warn"}`),
	}))

	r, err := Resolve(ctx, d, log, a)
	require.NoError(t, err)
	require.NotNil(t, r.MinApprovers)
	assert.Equal(t, 1, *r.MinApprovers, "artifact scope wins")
	assert.Equal(t, EnforceWarn, r.Enforcement(), "artifact scope wins for enforcement")
	require.NotNil(t, r.RequirePassingTests)
	assert.True(t, *r.RequirePassingTests, "unset rules fall through to global")
}

func TestResolveEmbeddedPolicyNarrowest(t *testing.T) {
	ctx := context.Background()
	d := testStore(t)
	a, _ := seed(t, d)
	a.ApprovalPolicy = json.RawMessage(`{"autoApprovePatches": true}`)
	require.NoError(t, d.UpdateArtifact(ctx, a))

	require.NoError(t, d.CreatePolicyBinding(ctx, &store.PolicyBinding{
		Scope: store.ScopeGlobal, Rules: json.RawMessage(`{"autoApprovePatches": false, "minApprovers": 2}`),
	}))

	r, err := Resolve(ctx, d, slog.Default(), a)
	require.NoError(t, err)
	require.NotNil(t, r.AutoApprovePatches)
	assert.True(t, *r.AutoApprovePatches)
	require.NotNil(t, r.MinApprovers)
	assert.Equal(t, 2, *r.MinApprovers)
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	d := testStore(t)
	a, v := seed(t, d)
	ev, err := NewEvaluator(d, slog.Default())
	require.NoError(t, err)

	intp := func(n int) *int { return &n }
	boolp := func(b bool) *bool { return &b }
	strp := func(s string) *string { return &s }
	enf := func(e Enforcement) *Enforcement { return &e }

	t.Run("self approval blocked by default", func(t *testing.T) {
		dec := ev.Evaluate(ctx, TriggerApproval, &Rules{}, a, v, "alice")
		assert.Equal(t, OutcomeFail, dec.Outcome)
		assert.False(t, dec.Allowed())
	})

	t.Run("explicit false disables self approval check", func(t *testing.T) {
		dec := ev.Evaluate(ctx, TriggerApproval, &Rules{PreventSelfApproval: boolp(false)}, a, v, "alice")
		assert.Equal(t, OutcomePass, dec.Outcome)
	})

	t.Run("min approvers counts distinct actors", func(t *testing.T) {
		rules := &Rules{MinApprovers: intp(2), PreventSelfApproval: boolp(false)}
		dec := ev.Evaluate(ctx, TriggerApproval, rules, a, v, "bob")
		assert.Equal(t, OutcomeFail, dec.Outcome)

		require.NoError(t, d.RecordApproval(ctx, v.ID, "bob"))
		require.NoError(t, d.RecordApproval(ctx, v.ID, "bob"))
		require.NoError(t, d.RecordApproval(ctx, v.ID, "carol"))
		dec = ev.Evaluate(ctx, TriggerApproval, rules, a, v, "bob")
		assert.Equal(t, OutcomePass, dec.Outcome)
	})

	t.Run("scan grade gate", func(t *testing.T) {
		rules := &Rules{RequiredScanGrade: strp("B"), PreventSelfApproval: boolp(false)}
		dec := ev.Evaluate(ctx, TriggerDownload, rules, a, v, "bob")
		assert.Equal(t, OutcomeFail, dec.Outcome, "missing scans fail")

		require.NoError(t, d.RecordCIResult(ctx, &store.CIResult{VersionID: v.ID, Kind: store.CIScan, Success: true, Grade: "C"}))
		dec = ev.Evaluate(ctx, TriggerDownload, rules, a, v, "bob")
		assert.Equal(t, OutcomeFail, dec.Outcome)

		require.NoError(t, d.RecordCIResult(ctx, &store.CIResult{VersionID: v.ID, Kind: store.CIScan, Success: true, Grade: "A"}))
		dec = ev.Evaluate(ctx, TriggerDownload, rules, a, v, "bob")
		assert.Equal(t, OutcomePass, dec.Outcome)
	})

	t.Run("warn downgrades failure", func(t *testing.T) {
		rules := &Rules{RequirePassingTests: boolp(true), PreventSelfApproval: boolp(false), EnforcementLevel: enf(EnforceWarn)}
		dec := ev.Evaluate(ctx, TriggerDownload, rules, a, v, "bob")
		assert.Equal(t, OutcomeWarn, dec.Outcome)
		assert.True(t, dec.Allowed())
	})

	t.Run("audit passes while recording failures", func(t *testing.T) {
		rules := &Rules{RequirePassingValidate: boolp(true), PreventSelfApproval: boolp(false), EnforcementLevel: enf(EnforceAudit)}
		dec := ev.Evaluate(ctx, TriggerDownload, rules, a, v, "bob")
		assert.Equal(t, OutcomePass, dec.Outcome)
		require.Len(t, dec.Results, 1)
		assert.False(t, dec.Results[0].Passed)
	})

	t.Run("cel expression", func(t *testing.T) {
		rules := &Rules{
			CELExpression:       strp(`artifact.team == "platform" && version.major >= 1`),
			PreventSelfApproval: boolp(false),
		}
		dec := ev.Evaluate(ctx, TriggerApproval, rules, a, v, "bob")
		assert.Equal(t, OutcomePass, dec.Outcome)

		rules.CELExpression = strp(`version.prerelease == "rc.1"`)
		dec = ev.Evaluate(ctx, TriggerApproval, rules, a, v, "bob")
		assert.Equal(t, OutcomeFail, dec.Outcome)

		rules.CELExpression = strp(`this is not cel`)
		dec = ev.Evaluate(ctx, TriggerApproval, rules, a, v, "bob")
		assert.Equal(t, OutcomeFail, dec.Outcome)
	})

	t.Run("evaluations are persisted", func(t *testing.T) {
		rows, err := d.ListPolicyEvaluations(ctx, a.ID, 100)
		require.NoError(t, err)
		assert.NotEmpty(t, rows)
	})

	t.Run("decision fingerprint is stable", func(t *testing.T) {
		d1 := &Decision{Outcome: OutcomePass, Enforcement: EnforceBlock,
			Results: []RuleResult{{Rule: "minApprovers", Passed: true}}}
		d2 := &Decision{Outcome: OutcomePass, Enforcement: EnforceBlock,
			Results: []RuleResult{{Rule: "minApprovers", Passed: true}}}
		assert.Equal(t, d1.Fingerprint(), d2.Fingerprint())
		assert.NotEmpty(t, d1.Fingerprint())
	})
}
