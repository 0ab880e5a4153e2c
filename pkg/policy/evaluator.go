package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/gowebpki/jcs"

	"github.com/butlerhq/butler-registry/pkg/store"
)

// Outcome of an evaluation.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeWarn Outcome = "warn"
	OutcomeFail Outcome = "fail"
)

// RuleResult is the verdict of one rule.
type RuleResult struct {
	Rule    string `json:"rule"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Decision is the aggregate verdict of one evaluation.
type Decision struct {
	Outcome     Outcome      `json:"outcome"`
	Enforcement Enforcement  `json:"enforcement"`
	Results     []RuleResult `json:"results"`
}

// Allowed reports whether the guarded operation may proceed.
func (d *Decision) Allowed() bool {
	return d.Outcome != OutcomeFail
}

// Fingerprint is a stable hash of the decision over its canonical JSON
// form, recorded alongside the evaluation row.
func (d *Decision) Fingerprint() string {
	b, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(b)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Evaluator runs resolved rule sets against versions. CEL programs are
// compiled once per expression and cached.
type Evaluator struct {
	db  *store.DB
	log *slog.Logger

	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEvaluator builds an evaluator with the CEL environment used by
// celExpression rules.
func NewEvaluator(db *store.DB, log *slog.Logger) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("artifact", cel.DynType),
		cel.Variable("version", cel.DynType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("trigger", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}
	return &Evaluator{
		db:       db,
		log:      log,
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs the trigger-relevant rules and computes the outcome under
// the resolved enforcement level. The evaluation row is persisted
// best-effort; a persistence failure is logged and never surfaced.
func (e *Evaluator) Evaluate(ctx context.Context, trigger Trigger, rules *Rules, a *store.Artifact, v *store.Version, actor string) *Decision {
	var results []RuleResult

	ciResults, ciErr := e.db.ListCIResults(ctx, v.ID)
	if ciErr != nil {
		e.log.WarnContext(ctx, "ci results unavailable, treating as missing",
			"version_id", v.ID, "error", ciErr)
	}

	if trigger == TriggerApproval {
		if rules.MinApprovers != nil {
			results = append(results, e.checkMinApprovers(ctx, *rules.MinApprovers, v))
		}
		if rules.SelfApprovalBlocked() {
			results = append(results, checkSelfApproval(actor, v))
		}
	}
	if rules.RequirePassingTests != nil && *rules.RequirePassingTests {
		results = append(results, checkCISuccess("requirePassingTests", store.CITest, ciResults))
	}
	if rules.RequirePassingValidate != nil && *rules.RequirePassingValidate {
		results = append(results, checkCISuccess("requirePassingValidate", store.CIValidate, ciResults))
	}
	if rules.RequiredScanGrade != nil {
		results = append(results, checkScanGrade(*rules.RequiredScanGrade, ciResults))
	}
	if rules.CELExpression != nil {
		results = append(results, e.checkCEL(*rules.CELExpression, trigger, a, v, actor))
	}

	d := &Decision{
		Enforcement: rules.Enforcement(),
		Results:     results,
	}
	d.Outcome = outcomeFor(results, d.Enforcement)
	e.record(ctx, trigger, a, v, actor, d)
	return d
}

func outcomeFor(results []RuleResult, enforcement Enforcement) Outcome {
	failed := false
	for _, r := range results {
		if !r.Passed {
			failed = true
			break
		}
	}
	if !failed {
		return OutcomePass
	}
	switch enforcement {
	case EnforceWarn:
		return OutcomeWarn
	case EnforceAudit:
		return OutcomePass
	default:
		return OutcomeFail
	}
}

func (e *Evaluator) checkMinApprovers(ctx context.Context, n int, v *store.Version) RuleResult {
	approvers, err := e.db.ListApprovers(ctx, v.ID)
	if err != nil {
		return RuleResult{Rule: "minApprovers", Passed: false,
			Message: fmt.Sprintf("approvals unavailable: %v", err)}
	}
	if len(approvers) < n {
		return RuleResult{Rule: "minApprovers", Passed: false,
			Message: fmt.Sprintf("%d of %d required approvals", len(approvers), n)}
	}
	return RuleResult{Rule: "minApprovers", Passed: true}
}

func checkSelfApproval(actor string, v *store.Version) RuleResult {
	if actor != "" && actor == v.PublishedBy {
		return RuleResult{Rule: "preventSelfApproval", Passed: false,
			Message: "publisher cannot approve their own version"}
	}
	return RuleResult{Rule: "preventSelfApproval", Passed: true}
}

func checkCISuccess(rule string, kind store.CIResultKind, results []*store.CIResult) RuleResult {
	for _, r := range results {
		if r.Kind == kind && r.Success {
			return RuleResult{Rule: rule, Passed: true}
		}
	}
	return RuleResult{Rule: rule, Passed: false,
		Message: fmt.Sprintf("no successful %s run recorded", kind)}
}

func checkScanGrade(required string, results []*store.CIResult) RuleResult {
	for _, r := range results {
		if r.Kind == store.CIScan && GradeSatisfies(r.Grade, required) {
			return RuleResult{Rule: "requiredScanGrade", Passed: true}
		}
	}
	return RuleResult{Rule: "requiredScanGrade", Passed: false,
		Message: fmt.Sprintf("no scan at grade %s or better", required)}
}

func (e *Evaluator) checkCEL(expr string, trigger Trigger, a *store.Artifact, v *store.Version, actor string) RuleResult {
	input := map[string]any{
		"trigger": string(trigger),
		"actor":   actor,
		"artifact": map[string]any{
			"namespace": a.Namespace,
			"name":      a.Name,
			"type":      string(a.Type),
			"team":      a.Team,
			"tags":      a.Tags,
		},
		"version": map[string]any{
			"version":    v.Version,
			"major":      v.Major,
			"minor":      v.Minor,
			"patch":      v.Patch,
			"prerelease": v.Prerelease,
			"is_bad":     v.IsBad,
		},
	}

	allowed, err := e.evaluateExpr(expr, input)
	if err != nil {
		return RuleResult{Rule: "celExpression", Passed: false,
			Message: fmt.Sprintf("expression error: %v", err)}
	}
	if !allowed {
		return RuleResult{Rule: "celExpression", Passed: false, Message: "expression evaluated to false"}
	}
	return RuleResult{Rule: "celExpression", Passed: true}
}

func (e *Evaluator) evaluateExpr(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression must yield bool, got %T", out.Value())
	}
	return allowed, nil
}

// record persists the evaluation row. Best-effort.
func (e *Evaluator) record(ctx context.Context, trigger Trigger, a *store.Artifact, v *store.Version, actor string, d *Decision) {
	payload := struct {
		Results     []RuleResult `json:"results"`
		Fingerprint string       `json:"fingerprint"`
	}{Results: d.Results, Fingerprint: d.Fingerprint()}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	row := &store.PolicyEvaluation{
		ArtifactID:  a.ID,
		VersionID:   v.ID,
		Trigger:     string(trigger),
		Actor:       actor,
		Outcome:     string(d.Outcome),
		Enforcement: string(d.Enforcement),
		Results:     raw,
		EvaluatedAt: time.Now().UTC(),
	}
	if err := e.db.InsertPolicyEvaluation(ctx, row); err != nil {
		e.log.WarnContext(ctx, "policy evaluation row not persisted",
			"artifact_id", a.ID, "version_id", v.ID, "error", err)
	}
}
