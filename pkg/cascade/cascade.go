// Package cascade fans out speculative plan runs to every environment
// module tracking an artifact, whenever a new version of that artifact is
// approved.
package cascade

import (
	"context"
	"log/slog"

	"github.com/butlerhq/butler-registry/pkg/audit"
	"github.com/butlerhq/butler-registry/pkg/queue"
	"github.com/butlerhq/butler-registry/pkg/run"
	"github.com/butlerhq/butler-registry/pkg/store"
	"github.com/butlerhq/butler-registry/pkg/versioning"
)

// TriggeredBy identifies cascade-created runs in audit and run rows.
const TriggeredBy = "system:cascade"

// ShouldCascade reports whether a module tracking the given constraint
// wants the new version. A nil constraint tracks latest and always
// cascades. An unparseable constraint degrades to exact string match.
func ShouldCascade(pinned *string, v *versioning.Version) bool {
	if pinned == nil {
		return true
	}
	return versioning.Matches(*pinned, v)
}

// Manager computes the fanout and enqueues the cascade runs.
type Manager struct {
	db      *store.DB
	queue   *queue.Queue
	auditor *audit.Recorder
	log     *slog.Logger
}

// NewManager builds a cascade manager.
func NewManager(db *store.DB, q *queue.Queue, auditor *audit.Recorder, log *slog.Logger) *Manager {
	return &Manager{db: db, queue: q, auditor: auditor, log: log}
}

// Summary reports what one fanout did.
type Summary struct {
	Total             int `json:"total"`
	Created           int `json:"created"`
	SkippedConstraint int `json:"skipped_constraint"`
	SkippedLocked     int `json:"skipped_locked"`
	SkippedInactive   int `json:"skipped_inactive"`
	Errors            int `json:"errors"`
}

// Trigger enqueues a cascade plan for every module of the artifact that
// (a) accepts the new version, (b) has auto-plan enabled, (c) is active,
// and (d) lives in an unlocked environment. One audit entry summarizes the
// fanout. Individual enqueue failures are logged and counted, never fatal.
func (m *Manager) Trigger(ctx context.Context, artifactID string, v *versioning.Version) (*Summary, error) {
	modules, err := m.db.ListModulesByArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	s := &Summary{Total: len(modules)}
	lockedEnvs := map[string]bool{}

	for _, mod := range modules {
		if mod.Status != store.ModuleActive || !mod.AutoPlanOnUpdate {
			s.SkippedInactive++
			continue
		}
		if !ShouldCascade(mod.PinnedVersion, v) {
			s.SkippedConstraint++
			continue
		}

		locked, seen := lockedEnvs[mod.EnvironmentID]
		if !seen {
			env, err := m.db.GetEnvironment(ctx, mod.EnvironmentID)
			if err != nil {
				m.log.ErrorContext(ctx, "environment lookup failed during cascade",
					"module_id", mod.ID, "environment_id", mod.EnvironmentID, "error", err)
				s.Errors++
				continue
			}
			locked = env.Locked
			lockedEnvs[mod.EnvironmentID] = locked
		}
		if locked {
			s.SkippedLocked++
			continue
		}

		// Variables and backend are snapshotted now; the run carries them
		// even if the module config changes before dispatch.
		_, err := m.queue.Enqueue(ctx, queue.Request{
			ModuleID:     mod.ID,
			Operation:    run.OpPlan,
			Mode:         mod.Mode,
			Priority:     run.PriorityCascade,
			TriggeredBy:  TriggeredBy,
			TFVersion:    mod.TFVersion,
			Variables:    mod.Variables,
			StateBackend: mod.StateBackend,
		})
		if err != nil {
			m.log.ErrorContext(ctx, "cascade run not enqueued", "module_id", mod.ID, "error", err)
			s.Errors++
			continue
		}
		s.Created++
	}

	m.auditor.Record(ctx, TriggeredBy, audit.ActionCascadeTriggered,
		"artifact", artifactID, "", v.String(), s)
	m.log.InfoContext(ctx, "cascade fanout complete",
		"artifact_id", artifactID, "version", v.String(),
		"total", s.Total, "created", s.Created,
		"skipped_constraint", s.SkippedConstraint, "skipped_locked", s.SkippedLocked)
	return s, nil
}
