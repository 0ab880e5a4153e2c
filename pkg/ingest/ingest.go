// Package ingest turns verified VCS push events into registry versions:
// semver parsing, idempotent upsert, patch auto-approval, and cascade
// fanout.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/butlerhq/butler-registry/pkg/audit"
	"github.com/butlerhq/butler-registry/pkg/cascade"
	"github.com/butlerhq/butler-registry/pkg/policy"
	"github.com/butlerhq/butler-registry/pkg/store"
	"github.com/butlerhq/butler-registry/pkg/versioning"
	"github.com/butlerhq/butler-registry/pkg/webhook"
)

// AutoApprover is the actor recorded on auto-approved versions.
const AutoApprover = "system:auto-approve"

// CacheInvalidator drops cached helm index documents when chart versions
// change. The helm cache implements it.
type CacheInvalidator interface {
	Invalidate(namespace string)
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(string) {}

// Service ingests push events.
type Service struct {
	db          *store.DB
	evaluator   *policy.Evaluator
	cascader    *cascade.Manager
	auditor     *audit.Recorder
	invalidator CacheInvalidator
	log         *slog.Logger
}

// NewService builds the ingestion service. invalidator may be nil.
func NewService(db *store.DB, ev *policy.Evaluator, c *cascade.Manager, a *audit.Recorder, inv CacheInvalidator, log *slog.Logger) *Service {
	if inv == nil {
		inv = nopInvalidator{}
	}
	return &Service{db: db, evaluator: ev, cascader: c, auditor: a, invalidator: inv, log: log}
}

// Result summarizes one push ingestion.
type Result struct {
	Matched      int `json:"matched"`
	Created      int `json:"created"`
	AutoApproved int `json:"auto_approved"`
}

// HandlePush processes a parsed push event. Pushes without a semver tag
// are ignored. Matching is exact on the repository URL after
// trailing-slash normalization; each matching artifact gets an idempotent
// version upsert keyed by (artifact_id, version).
func (s *Service) HandlePush(ctx context.Context, ev *webhook.PushEvent) (*Result, error) {
	res := &Result{}
	if ev.Tag == "" {
		return res, nil
	}

	artifacts, err := s.db.FindArtifactsBySourceRepo(ctx, ev.RepositoryURL)
	if err != nil {
		return nil, err
	}
	res.Matched = len(artifacts)

	for _, a := range artifacts {
		// An artifact-level tag prefix (e.g. "chart-") is stripped before
		// semver parsing; tags without the prefix are not for this artifact.
		tag := ev.Tag
		if prefix := a.Source.TagPrefix; prefix != "" {
			if !strings.HasPrefix(tag, prefix) {
				continue
			}
			tag = strings.TrimPrefix(tag, prefix)
		}
		parsed, err := versioning.Parse(tag)
		if err != nil {
			s.log.DebugContext(ctx, "tag is not semver, ignoring",
				"tag", ev.Tag, "artifact_id", a.ID)
			continue
		}

		created, v, err := s.db.UpsertVersion(ctx, &store.Version{
			ArtifactID:  a.ID,
			Version:     parsed.String(),
			Major:       parsed.Major,
			Minor:       parsed.Minor,
			Patch:       parsed.Patch,
			Prerelease:  parsed.Prerelease,
			PublishedBy: "webhook:" + ev.RepositoryFullName,
		})
		if err != nil {
			s.log.ErrorContext(ctx, "version upsert failed",
				"artifact_id", a.ID, "version", parsed.String(), "error", err)
			continue
		}
		if !created {
			continue
		}
		res.Created++
		s.auditor.Version(ctx, v.PublishedBy, audit.ActionVersionPublished, a, v, nil)
		if a.Type == store.TypeHelmChart {
			s.invalidator.Invalidate(a.Namespace)
		}

		approved, err := s.maybeAutoApprove(ctx, a, v, parsed)
		if err != nil {
			s.log.ErrorContext(ctx, "auto-approval failed",
				"artifact_id", a.ID, "version", v.Version, "error", err)
			continue
		}
		if approved {
			res.AutoApproved++
		}
	}
	return res, nil
}

// maybeAutoApprove promotes a fresh pending version when the resolved
// policy opts in, the bump is a patch over the current latest (or the very
// first version), and no CI-gating rule is present. CI rules disable
// auto-approval here because no runs can have executed for a version that
// was just published.
func (s *Service) maybeAutoApprove(ctx context.Context, a *store.Artifact, v *store.Version, parsed *versioning.Version) (bool, error) {
	if v.Status != store.VersionPending {
		return false, nil
	}
	rules, err := policy.Resolve(ctx, s.db, s.log, a)
	if err != nil {
		return false, err
	}
	if rules.AutoApprovePatches == nil || !*rules.AutoApprovePatches {
		return false, nil
	}
	if rules.RequirePassingTests != nil && *rules.RequirePassingTests {
		return false, nil
	}
	if rules.RequirePassingValidate != nil && *rules.RequirePassingValidate {
		return false, nil
	}

	latest, err := s.db.GetLatestVersion(ctx, a.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// First version: auto-approvable.
	case err != nil:
		return false, err
	default:
		prev, perr := versioning.Parse(latest.Version)
		if perr != nil {
			return false, perr
		}
		if !versioning.IsPatchBump(prev, parsed) {
			return false, nil
		}
	}

	return true, s.Approve(ctx, a, v, AutoApprover)
}

// Approve marks a version approved, cascades it, and audits. The cascade
// and audit writes are best-effort.
func (s *Service) Approve(ctx context.Context, a *store.Artifact, v *store.Version, approver string) error {
	approved, err := s.db.ApproveVersion(ctx, v.ID, approver)
	if err != nil {
		return err
	}
	*v = *approved

	s.auditor.Version(ctx, approver, audit.ActionVersionApproved, a, v, nil)
	if a.Type == store.TypeHelmChart {
		s.invalidator.Invalidate(a.Namespace)
	}

	parsed, err := versioning.Parse(v.Version)
	if err != nil {
		return nil
	}
	if _, err := s.cascader.Trigger(ctx, a.ID, parsed); err != nil {
		s.log.ErrorContext(ctx, "cascade fanout failed",
			"artifact_id", a.ID, "version", v.Version, "error", err)
	}
	return nil
}
