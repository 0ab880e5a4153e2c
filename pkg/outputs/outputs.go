// Package outputs resolves upstream terraform outputs into the variables
// of a downstream module, following the dependency edges' output mappings.
package outputs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/butlerhq/butler-registry/pkg/store"
)

// UpstreamNotReadyError means a dependency has no successful apply with
// outputs to draw from.
type UpstreamNotReadyError struct {
	UpstreamName string
}

func (e *UpstreamNotReadyError) Error() string {
	return fmt.Sprintf("upstream %q has no successful apply with outputs", e.UpstreamName)
}

// UpstreamOutputMissingError means a mapped key is absent from the
// upstream's outputs. Available lists what the upstream did export.
type UpstreamOutputMissingError struct {
	Key       string
	Available []string
}

func (e *UpstreamOutputMissingError) Error() string {
	return fmt.Sprintf("upstream output %q not found; available: %v", e.Key, e.Available)
}

// Resolver reads upstream outputs through the store.
type Resolver struct {
	db *store.DB
}

// NewResolver builds a resolver.
func NewResolver(db *store.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve walks the module's outgoing dependencies and copies each mapped
// upstream output under its downstream variable name. Values pass through
// as raw JSON without coercion. An empty mapping contributes nothing.
func (r *Resolver) Resolve(ctx context.Context, moduleID string) (map[string]json.RawMessage, error) {
	deps, err := r.db.ListDependenciesOf(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("outputs: list dependencies: %w", err)
	}

	resolved := make(map[string]json.RawMessage)
	for _, dep := range deps {
		if len(dep.OutputMapping) == 0 {
			continue
		}

		upstream, err := r.db.GetModule(ctx, dep.DependsOnID)
		if err != nil {
			return nil, fmt.Errorf("outputs: load upstream module: %w", err)
		}

		apply, err := r.db.LatestSucceededApply(ctx, dep.DependsOnID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &UpstreamNotReadyError{UpstreamName: upstream.Name}
		}
		if err != nil {
			return nil, fmt.Errorf("outputs: latest apply: %w", err)
		}
		if len(apply.TFOutputs) == 0 {
			return nil, &UpstreamNotReadyError{UpstreamName: upstream.Name}
		}

		var outs map[string]json.RawMessage
		if err := json.Unmarshal(apply.TFOutputs, &outs); err != nil {
			return nil, fmt.Errorf("outputs: corrupt tf_outputs on run %s: %w", apply.ID, err)
		}

		for _, m := range dep.OutputMapping {
			val, ok := outs[m.UpstreamOutput]
			if !ok {
				return nil, &UpstreamOutputMissingError{
					Key:       m.UpstreamOutput,
					Available: sortedKeys(outs),
				}
			}
			resolved[m.DownstreamVariable] = val
		}
	}
	return resolved, nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
