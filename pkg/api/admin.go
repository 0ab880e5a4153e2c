package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/butlerhq/butler-registry/pkg/audit"
	"github.com/butlerhq/butler-registry/pkg/policy"
	"github.com/butlerhq/butler-registry/pkg/store"
	"github.com/butlerhq/butler-registry/pkg/token"
)

type createPolicyRequest struct {
	Scope    store.PolicyScope `json:"scope"`
	ScopeRef string            `json:"scope_ref,omitempty"`
	Rules    json.RawMessage   `json:"rules"`
}

// handleCreatePolicy binds a rule document at a scope. Documents are
// schema-validated before they are stored.
func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := readJSON(r, &req); err != nil {
		WriteBadRequest(w, "malformed policy binding")
		return
	}
	switch req.Scope {
	case store.ScopeArtifact, store.ScopeNamespace, store.ScopeTeam:
		if req.ScopeRef == "" {
			WriteBadRequest(w, "scope_ref is required for non-global scopes")
			return
		}
	case store.ScopeGlobal:
		if req.ScopeRef != "" {
			WriteBadRequest(w, "global bindings take no scope_ref")
			return
		}
	default:
		WriteBadRequest(w, "unknown policy scope")
		return
	}
	if _, err := policy.ParseRules(req.Rules); err != nil {
		WriteBadRequest(w, "invalid rules: "+err.Error())
		return
	}

	b := &store.PolicyBinding{Scope: req.Scope, ScopeRef: req.ScopeRef, Rules: req.Rules}
	if err := s.db.CreatePolicyBinding(r.Context(), b); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	bindings, err := s.db.ListPolicyBindings(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": bindings})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeletePolicyBinding(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTokenRequest struct {
	Name  string `json:"name"`
	Actor string `json:"actor"`
}

// handleCreateToken mints a breg_ token. The cleartext appears in this
// response exactly once; only the hash is stored.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := readJSON(r, &req); err != nil || req.Name == "" {
		WriteBadRequest(w, "token name is required")
		return
	}
	if req.Actor == "" {
		req.Actor = req.Name
	}

	cleartext, hash, err := token.MintRegistry()
	if err != nil {
		WriteInternal(w)
		return
	}
	at := &store.APIToken{Name: req.Name, TokenHash: hash, Actor: req.Actor}
	if err := s.db.CreateAPIToken(r.Context(), at); err != nil {
		writeDomainError(w, err)
		return
	}
	s.auditor.Record(r.Context(), Actor(r.Context()), audit.ActionTokenCreated,
		"api_token", at.ID, at.Name, "", nil)
	writeJSON(w, http.StatusCreated, map[string]any{"token": cleartext, "id": at.ID, "name": at.Name})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.db.ListAPITokens(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.db.DeleteAPIToken(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.auditor.Record(r.Context(), Actor(r.Context()), audit.ActionTokenRevoked,
		"api_token", id, "", "", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := s.db.ListAudit(r.Context(), store.AuditFilter{
		Actor:        q.Get("actor"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Limit:        limit,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
