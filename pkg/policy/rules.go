// Package policy resolves and evaluates composable approval rules. Rules
// attach at artifact, namespace, team, or global scope; resolution picks
// the narrowest binding per rule. Evaluation gates version approval and
// artifact downloads.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Enforcement controls how rule failures surface.
type Enforcement string

const (
	EnforceBlock Enforcement = "block"
	EnforceWarn  Enforcement = "warn"
	EnforceAudit Enforcement = "audit"
)

// Trigger selects which rules apply.
type Trigger string

const (
	TriggerApproval Trigger = "approval"
	TriggerDownload Trigger = "download"
)

// Rules is one policy rule document. Pointer fields distinguish "unset"
// from an explicit value so narrower scopes can override selectively.
type Rules struct {
	MinApprovers           *int         `json:"minApprovers,omitempty"`
	AutoApprovePatches     *bool        `json:"autoApprovePatches,omitempty"`
	RequiredScanGrade      *string      `json:"requiredScanGrade,omitempty"`
	RequirePassingTests    *bool        `json:"requirePassingTests,omitempty"`
	RequirePassingValidate *bool        `json:"requirePassingValidate,omitempty"`
	PreventSelfApproval    *bool        `json:"preventSelfApproval,omitempty"`
	CELExpression          *string      `json:"celExpression,omitempty"`
	EnforcementLevel       *Enforcement `json:"enforcementLevel,omitempty"`
}

const rulesSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"minApprovers": {"type": "integer", "minimum": 1},
		"autoApprovePatches": {"type": "boolean"},
		"requiredScanGrade": {"type": "string", "enum": ["A", "B", "C", "D", "F"]},
		"requirePassingTests": {"type": "boolean"},
		"requirePassingValidate": {"type": "boolean"},
		"preventSelfApproval": {"type": "boolean"},
		"celExpression": {"type": "string", "minLength": 1},
		"enforcementLevel": {"type": "string", "enum": ["block", "warn", "audit"]}
	}
}`

var compiledRulesSchema = jsonschema.MustCompileString("rules.json", rulesSchema)

// ParseRules validates a rule document against the schema and decodes it.
func ParseRules(raw json.RawMessage) (*Rules, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("policy: invalid rules json: %w", err)
	}
	if err := compiledRulesSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("policy: rules rejected by schema: %w", err)
	}
	var r Rules
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("policy: decode rules: %w", err)
	}
	return &r, nil
}

// merge fills unset fields of dst from src. dst is the narrower scope and
// always wins where it sets a rule.
func merge(dst, src *Rules) {
	if dst.MinApprovers == nil {
		dst.MinApprovers = src.MinApprovers
	}
	if dst.AutoApprovePatches == nil {
		dst.AutoApprovePatches = src.AutoApprovePatches
	}
	if dst.RequiredScanGrade == nil {
		dst.RequiredScanGrade = src.RequiredScanGrade
	}
	if dst.RequirePassingTests == nil {
		dst.RequirePassingTests = src.RequirePassingTests
	}
	if dst.RequirePassingValidate == nil {
		dst.RequirePassingValidate = src.RequirePassingValidate
	}
	if dst.PreventSelfApproval == nil {
		dst.PreventSelfApproval = src.PreventSelfApproval
	}
	if dst.CELExpression == nil {
		dst.CELExpression = src.CELExpression
	}
	if dst.EnforcementLevel == nil {
		dst.EnforcementLevel = src.EnforcementLevel
	}
}

// Enforcement returns the effective enforcement level, defaulting to block.
func (r *Rules) Enforcement() Enforcement {
	if r.EnforcementLevel == nil {
		return EnforceBlock
	}
	return *r.EnforcementLevel
}

// SelfApprovalBlocked reports whether the self-approval check applies.
// Absent means on; only explicit false disables it.
func (r *Rules) SelfApprovalBlocked() bool {
	return r.PreventSelfApproval == nil || *r.PreventSelfApproval
}

// gradeRank orders scan grades A best to F worst. Unknown grades rank
// below F and never satisfy a requirement.
func gradeRank(g string) int {
	switch strings.ToUpper(g) {
	case "A":
		return 0
	case "B":
		return 1
	case "C":
		return 2
	case "D":
		return 3
	case "F":
		return 4
	}
	return 5
}

// GradeSatisfies reports whether got meets the required grade.
func GradeSatisfies(got, required string) bool {
	return gradeRank(got) <= gradeRank(required) && gradeRank(got) < 5
}
