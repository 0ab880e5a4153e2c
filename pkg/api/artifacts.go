package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/butlerhq/butler-registry/pkg/audit"
	"github.com/butlerhq/butler-registry/pkg/metrics"
	"github.com/butlerhq/butler-registry/pkg/policy"
	"github.com/butlerhq/butler-registry/pkg/storage"
	"github.com/butlerhq/butler-registry/pkg/store"
)

type createArtifactRequest struct {
	Namespace      string             `json:"namespace"`
	Name           string             `json:"name"`
	Provider       *string            `json:"provider,omitempty"`
	Type           store.ArtifactType `json:"type"`
	Team           string             `json:"team"`
	StorageConfig  json.RawMessage    `json:"storage_config,omitempty"`
	ApprovalPolicy json.RawMessage    `json:"approval_policy,omitempty"`
	Source         store.SourceConfig `json:"source_config"`
	Tags           []string           `json:"tags,omitempty"`
}

func (s *Server) handleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	var req createArtifactRequest
	if err := readJSON(r, &req); err != nil {
		WriteBadRequest(w, "malformed artifact")
		return
	}
	if req.Namespace == "" || req.Name == "" {
		WriteBadRequest(w, "namespace and name are required")
		return
	}
	if !store.ValidArtifactType(req.Type) {
		WriteBadRequest(w, "unknown artifact type")
		return
	}
	if len(req.ApprovalPolicy) > 0 {
		if _, err := policy.ParseRules(req.ApprovalPolicy); err != nil {
			WriteBadRequest(w, "invalid approval policy: "+err.Error())
			return
		}
	}

	a := &store.Artifact{
		Namespace:      req.Namespace,
		Name:           req.Name,
		Provider:       req.Provider,
		Type:           req.Type,
		Status:         store.ArtifactActive,
		Team:           req.Team,
		StorageConfig:  req.StorageConfig,
		ApprovalPolicy: req.ApprovalPolicy,
		Source:         req.Source,
		Tags:           req.Tags,
	}
	if err := s.db.CreateArtifact(r.Context(), a); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	arts, next, err := s.db.ListArtifacts(r.Context(), store.ArtifactFilter{
		Type:      store.ArtifactType(q.Get("type")),
		Status:    store.ArtifactStatus(q.Get("status")),
		Team:      q.Get("team"),
		Namespace: q.Get("namespace"),
		Cursor:    q.Get("cursor"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts, "next_cursor": next})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.db.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type updateArtifactRequest struct {
	Status         *store.ArtifactStatus `json:"status,omitempty"`
	Team           *string               `json:"team,omitempty"`
	ApprovalPolicy json.RawMessage       `json:"approval_policy,omitempty"`
	Source         *store.SourceConfig   `json:"source_config,omitempty"`
	Tags           []string              `json:"tags,omitempty"`
}

func (s *Server) handleUpdateArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.db.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req updateArtifactRequest
	if err := readJSON(r, &req); err != nil {
		WriteBadRequest(w, "malformed update")
		return
	}
	if req.Status != nil {
		a.Status = *req.Status
	}
	if req.Team != nil {
		a.Team = *req.Team
	}
	if len(req.ApprovalPolicy) > 0 {
		if _, err := policy.ParseRules(req.ApprovalPolicy); err != nil {
			WriteBadRequest(w, "invalid approval policy: "+err.Error())
			return
		}
		a.ApprovalPolicy = req.ApprovalPolicy
	}
	if req.Source != nil {
		a.Source = *req.Source
	}
	if req.Tags != nil {
		a.Tags = req.Tags
	}
	if err := s.db.UpdateArtifact(r.Context(), a); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.db.ListVersions(r.Context(), r.PathValue("id"),
		store.VersionStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.db.GetVersion(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleApproveVersion records the caller's approval, evaluates the
// approval policy, and promotes the version when the policy passes. A
// blocked approval returns 422 with the rule results; the recorded
// approval still counts toward minApprovers.
func (s *Server) handleApproveVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := Actor(ctx)

	v, err := s.db.GetVersion(ctx, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if v.Status != store.VersionPending {
		WriteConflict(w, "version is "+string(v.Status)+", not pending")
		return
	}
	a, err := s.db.GetArtifact(ctx, v.ArtifactID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.db.RecordApproval(ctx, v.ID, actor); err != nil {
		writeDomainError(w, err)
		return
	}

	rules, err := policy.Resolve(ctx, s.db, s.log, a)
	if err != nil {
		WriteInternal(w)
		return
	}
	dec := s.evaluator.Evaluate(ctx, policy.TriggerApproval, rules, a, v, actor)
	if !dec.Allowed() {
		WriteUnprocessable(w, "approval blocked by policy", dec.Results)
		return
	}

	if err := s.ingest.Approve(ctx, a, v, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRejectVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := s.db.GetVersion(ctx, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.db.RejectVersion(ctx, v.ID, Actor(ctx)); err != nil {
		writeDomainError(w, err)
		return
	}
	a, err := s.db.GetArtifact(ctx, v.ArtifactID)
	if err == nil {
		s.auditor.Version(ctx, Actor(ctx), audit.ActionVersionRejected, a, v, nil)
		if a.Type == store.TypeHelmChart {
			s.helm.Invalidate(a.Namespace)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// handleYankVersion marks an approved version bad. Yanked versions stop
// being latest but are never deleted.
func (s *Server) handleYankVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := s.db.GetVersion(ctx, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.db.YankVersion(ctx, v.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	a, err := s.db.GetArtifact(ctx, v.ArtifactID)
	if err == nil {
		s.auditor.Version(ctx, Actor(ctx), audit.ActionVersionYanked, a, v, nil)
		if a.Type == store.TypeHelmChart {
			s.helm.Invalidate(a.Namespace)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "yanked"})
}

type ciResultRequest struct {
	Kind    store.CIResultKind `json:"kind"`
	Success bool               `json:"success"`
	Grade   string             `json:"grade,omitempty"`
}

func (s *Server) handleRecordCI(w http.ResponseWriter, r *http.Request) {
	var req ciResultRequest
	if err := readJSON(r, &req); err != nil {
		WriteBadRequest(w, "malformed ci result")
		return
	}
	switch req.Kind {
	case store.CITest, store.CIValidate, store.CIScan:
	default:
		WriteBadRequest(w, "unknown ci result kind")
		return
	}
	res := &store.CIResult{
		VersionID: r.PathValue("id"),
		Kind:      req.Kind,
		Success:   req.Success,
		Grade:     req.Grade,
	}
	if err := s.db.RecordCIResult(r.Context(), res); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleUploadBlob stores the version payload content-addressed and stamps
// the version with its digest and size.
func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := s.db.GetVersion(ctx, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a, err := s.db.GetArtifact(ctx, v.ArtifactID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	data := make([]byte, 0, 1<<20)
	buf := make([]byte, 32<<10)
	for {
		n, rerr := r.Body.Read(buf)
		data = append(data, buf[:n]...)
		if rerr != nil {
			break
		}
		if len(data) > 256<<20 {
			WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "blob exceeds 256MiB")
			return
		}
	}
	if len(data) == 0 {
		WriteBadRequest(w, "empty blob")
		return
	}

	blobs, err := s.blobs.For(ctx, a.StorageConfig)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	digest, err := blobs.Put(ctx, data)
	if err != nil {
		s.log.Error("blob upload", "version_id", v.ID, "error", err)
		WriteInternal(w)
		return
	}
	if err := s.db.SetVersionBlob(ctx, v.ID, digest, int64(len(data))); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"digest": digest, "size": len(data)})
}

// handleDownload serves a version blob after the download policy gate.
// Pending and rejected versions never leave the registry.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := Actor(ctx)

	v, err := s.db.GetVersion(ctx, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if v.Status != store.VersionApproved {
		WriteForbidden(w, "version is not approved")
		return
	}
	a, err := s.db.GetArtifact(ctx, v.ArtifactID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	rules, err := policy.Resolve(ctx, s.db, s.log, a)
	if err != nil {
		WriteInternal(w)
		return
	}
	dec := s.evaluator.Evaluate(ctx, policy.TriggerDownload, rules, a, v, actor)
	if !dec.Allowed() {
		WriteUnprocessable(w, "download blocked by policy", dec.Results)
		return
	}

	if v.StorageRef == "" {
		WriteNotFound(w, "version has no stored blob")
		return
	}
	blobs, err := s.blobs.For(ctx, a.StorageConfig)
	if err != nil {
		WriteInternal(w)
		return
	}
	data, err := blobs.Get(ctx, v.StorageRef)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			WriteNotFound(w, "blob missing from storage")
			return
		}
		WriteInternal(w)
		return
	}

	if err := s.db.RecordDownload(ctx, &store.DownloadLog{
		VersionID: v.ID, Actor: actor, RemoteAddr: remoteIP(r),
	}); err != nil {
		s.log.Warn("record download", "version_id", v.ID, "error", err)
	}
	s.auditor.Version(ctx, actor, audit.ActionDownload, a, v, nil)
	metrics.DownloadsTotal.WithLabelValues(string(a.Type)).Inc()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Checksum-Sha256", v.StorageRef)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
