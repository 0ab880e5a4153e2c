package policy

import (
	"context"
	"log/slog"

	"github.com/butlerhq/butler-registry/pkg/store"
)

// scopeRank orders bindings narrowest first for resolution.
func scopeRank(s store.PolicyScope) int {
	switch s {
	case store.ScopeArtifact:
		return 0
	case store.ScopeNamespace:
		return 1
	case store.ScopeTeam:
		return 2
	case store.ScopeGlobal:
		return 3
	}
	return 4
}

// Resolve computes the effective policy for an artifact. The artifact's
// embedded approval policy is the narrowest scope, then bindings at
// artifact > namespace > team > global. Each rule takes its value from the
// narrowest binding that sets it. Bindings with malformed rule documents
// are logged and skipped rather than failing the whole resolution.
func Resolve(ctx context.Context, db *store.DB, log *slog.Logger, a *store.Artifact) (*Rules, error) {
	resolved := &Rules{}

	if len(a.ApprovalPolicy) > 0 {
		r, err := ParseRules(a.ApprovalPolicy)
		if err != nil {
			log.WarnContext(ctx, "skipping malformed artifact approval policy",
				"artifact_id", a.ID, "error", err)
		} else {
			merge(resolved, r)
		}
	}

	bindings, err := db.ListPolicyBindingsFor(ctx, a.ID, a.Namespace, a.Team)
	if err != nil {
		return nil, err
	}

	for rank := 0; rank <= 3; rank++ {
		for _, b := range bindings {
			if scopeRank(b.Scope) != rank {
				continue
			}
			r, err := ParseRules(b.Rules)
			if err != nil {
				log.WarnContext(ctx, "skipping malformed policy binding",
					"binding_id", b.ID, "scope", b.Scope, "error", err)
				continue
			}
			merge(resolved, r)
		}
	}
	return resolved, nil
}
