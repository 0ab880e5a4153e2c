// Package audit writes the append-only audit trail. Every write is
// fire-and-forget: failures are logged, never propagated, so audit can
// never block a user-visible operation.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/butlerhq/butler-registry/pkg/store"
)

// Actions recorded by the registry.
const (
	ActionVersionPublished = "version.published"
	ActionVersionApproved  = "version.approved"
	ActionVersionRejected  = "version.rejected"
	ActionVersionYanked    = "version.yanked"
	ActionCascadeTriggered = "cascade.triggered"
	ActionRunCreated       = "run.created"
	ActionRunDiscarded     = "run.discarded"
	ActionEnvRunCreated    = "environment_run.created"
	ActionDownload         = "artifact.downloaded"
	ActionTokenCreated     = "token.created"
	ActionTokenRevoked     = "token.revoked"
)

// Recorder persists audit entries.
type Recorder struct {
	db  *store.DB
	log *slog.Logger
}

// NewRecorder builds a recorder.
func NewRecorder(db *store.DB, log *slog.Logger) *Recorder {
	return &Recorder{db: db, log: log}
}

// Record writes one entry. Details must marshal; a marshal failure drops
// the details but keeps the entry.
func (r *Recorder) Record(ctx context.Context, actor, action, resourceType, resourceID, resourceName, version string, details any) {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			r.log.WarnContext(ctx, "audit details not serializable", "action", action, "error", err)
		} else {
			raw = b
		}
	}
	entry := &store.AuditEntry{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ResourceName: resourceName,
		Version:      version,
		Details:      raw,
	}
	if err := r.db.AppendAudit(ctx, entry); err != nil {
		r.log.WarnContext(ctx, "audit entry not persisted",
			"action", action, "resource_id", resourceID, "error", err)
	}
}

// Version records a version lifecycle event.
func (r *Recorder) Version(ctx context.Context, actor, action string, a *store.Artifact, v *store.Version, details any) {
	r.Record(ctx, actor, action, "artifact_version", v.ID, a.Namespace+"/"+a.Name, v.Version, details)
}

// Run records a module-run event.
func (r *Recorder) Run(ctx context.Context, actor, action string, mr *store.ModuleRun, details any) {
	r.Record(ctx, actor, action, "module_run", mr.ID, "", "", details)
}
