package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/butlerhq/butler-registry/pkg/dag"
	"github.com/butlerhq/butler-registry/pkg/queue"
	"github.com/butlerhq/butler-registry/pkg/run"
	"github.com/butlerhq/butler-registry/pkg/store"
)

type createEnvironmentRequest struct {
	Name             string                  `json:"name"`
	CloudIntegration *store.CloudIntegration `json:"cloud_integration,omitempty"`
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req createEnvironmentRequest
	if err := readJSON(r, &req); err != nil || req.Name == "" {
		WriteBadRequest(w, "environment name is required")
		return
	}
	env := &store.Environment{Name: req.Name, CloudIntegration: req.CloudIntegration}
	if err := s.db.CreateEnvironment(r.Context(), env); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.db.GetEnvironment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleLockEnvironment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locked bool `json:"locked"`
	}
	if err := readJSON(r, &req); err != nil {
		WriteBadRequest(w, "malformed lock request")
		return
	}
	if err := s.db.SetEnvironmentLock(r.Context(), r.PathValue("id"), req.Locked); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"locked": req.Locked})
}

type createModuleRequest struct {
	ArtifactID       string                  `json:"artifact_id"`
	Name             string                  `json:"name"`
	PinnedVersion    *string                 `json:"pinned_version,omitempty"`
	Mode             run.Mode                `json:"mode"`
	AutoPlanOnUpdate bool                    `json:"auto_plan_on_module_update"`
	TFVersion        string                  `json:"tf_version,omitempty"`
	StateBackend     json.RawMessage         `json:"state_backend,omitempty"`
	VCSTrigger       *store.VCSTrigger       `json:"vcs_trigger,omitempty"`
	CloudIntegration *store.CloudIntegration `json:"cloud_integration,omitempty"`
	Variables        json.RawMessage         `json:"variables,omitempty"`
}

func (s *Server) handleCreateModule(w http.ResponseWriter, r *http.Request) {
	var req createModuleRequest
	if err := readJSON(r, &req); err != nil || req.ArtifactID == "" || req.Name == "" {
		WriteBadRequest(w, "artifact_id and name are required")
		return
	}
	if req.Mode != run.ModePeaaS && req.Mode != run.ModeBYOC {
		WriteBadRequest(w, "mode must be peaas or byoc")
		return
	}
	m := &store.Module{
		EnvironmentID:    r.PathValue("id"),
		ArtifactID:       req.ArtifactID,
		Name:             req.Name,
		PinnedVersion:    req.PinnedVersion,
		Mode:             req.Mode,
		AutoPlanOnUpdate: req.AutoPlanOnUpdate,
		TFVersion:        req.TFVersion,
		StateBackend:     req.StateBackend,
		VCSTrigger:       req.VCSTrigger,
		CloudIntegration: req.CloudIntegration,
		Variables:        req.Variables,
		Status:           store.ModuleActive,
	}
	if err := s.db.CreateModule(r.Context(), m); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	mods, err := s.db.ListModulesByEnvironment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": mods})
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	m, err := s.db.GetModule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type createDependencyRequest struct {
	DependsOnID   string                `json:"depends_on_id"`
	OutputMapping []store.OutputMapping `json:"output_mapping,omitempty"`
}

// handleCreateDependency adds an edge to the environment's dependency
// graph. The edge set is kept acyclic on write: the candidate edge is
// topo-sorted against the existing graph before it is persisted.
func (s *Server) handleCreateDependency(w http.ResponseWriter, r *http.Request) {
	var req createDependencyRequest
	if err := readJSON(r, &req); err != nil || req.DependsOnID == "" {
		WriteBadRequest(w, "depends_on_id is required")
		return
	}
	m, err := s.db.GetModule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dep := &store.ModuleDependency{
		ModuleID:      m.ID,
		DependsOnID:   req.DependsOnID,
		OutputMapping: req.OutputMapping,
	}

	mods, err := s.db.ListModulesByEnvironment(r.Context(), m.EnvironmentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	deps, err := s.db.ListDependenciesByEnvironment(r.Context(), m.EnvironmentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if _, err := dag.TopoSort(mods, append(deps, dep)); err != nil {
		WriteConflict(w, "dependency would create a cycle")
		return
	}

	if err := s.db.CreateModuleDependency(r.Context(), dep); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (s *Server) handleListModuleRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.db.ListRunsByModule(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type createRunRequest struct {
	ModuleID  string          `json:"module_id"`
	Operation run.Operation   `json:"operation"`
	Variables json.RawMessage `json:"variables,omitempty"`
}

// handleCreateRun enqueues a user-priority run. The module's variables and
// state backend are snapshotted at enqueue time.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := readJSON(r, &req); err != nil || req.ModuleID == "" {
		WriteBadRequest(w, "module_id is required")
		return
	}
	switch req.Operation {
	case run.OpPlan, run.OpApply, run.OpDestroy:
	default:
		WriteBadRequest(w, "operation must be plan, apply, or destroy")
		return
	}

	m, err := s.db.GetModule(r.Context(), req.ModuleID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	variables := m.Variables
	if len(req.Variables) > 0 {
		variables = req.Variables
	}

	mr, err := s.queue.Enqueue(r.Context(), queue.Request{
		ModuleID:     m.ID,
		Operation:    req.Operation,
		Mode:         m.Mode,
		Priority:     run.PriorityUser,
		TriggeredBy:  Actor(r.Context()),
		TFVersion:    m.TFVersion,
		Variables:    variables,
		StateBackend: m.StateBackend,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mr)
}

// handleGetRun is also the endpoint executors poll to observe cancellation.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	mr, err := s.db.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mr)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	err := s.queue.Cancel(r.Context(), r.PathValue("id"), Actor(r.Context()))
	if err != nil {
		if errors.Is(err, run.ErrIllegalTransition) {
			WriteConflict(w, "run is already terminal")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleConfirmRun releases a standalone planned run for apply. Cohort
// runs are confirmed through their environment run instead.
func (s *Server) handleConfirmRun(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Transition(r.Context(), r.PathValue("id"), run.StatusPlanned, run.StatusConfirmed); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

// handleDiscardRun abandons a standalone planned run, freeing the
// module's active slot.
func (s *Server) handleDiscardRun(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Complete(r.Context(), r.PathValue("id"), run.StatusPlanned, run.StatusDiscarded); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

type startEnvironmentRunRequest struct {
	Operation run.EnvOperation `json:"operation"`
}

func (s *Server) handleStartEnvironmentRun(w http.ResponseWriter, r *http.Request) {
	var req startEnvironmentRunRequest
	if err := readJSON(r, &req); err != nil {
		WriteBadRequest(w, "malformed environment run request")
		return
	}
	switch req.Operation {
	case run.EnvOpPlanAll, run.EnvOpApplyAll, run.EnvOpDestroyAll:
	default:
		WriteBadRequest(w, "operation must be plan-all, apply-all, or destroy-all")
		return
	}

	er, err := s.executor.Start(r.Context(), r.PathValue("id"), req.Operation, Actor(r.Context()))
	if err != nil {
		if errors.Is(err, dag.ErrEnvironmentLocked) {
			WriteConflict(w, "environment is locked")
			return
		}
		if errors.Is(err, dag.ErrDependencyCycle) {
			WriteConflict(w, "dependency graph has a cycle")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, er)
}

func (s *Server) handleListEnvironmentRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ers, err := s.db.ListEnvironmentRuns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environment_runs": ers})
}

func (s *Server) handleGetEnvironmentRun(w http.ResponseWriter, r *http.Request) {
	er, err := s.db.GetEnvironmentRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	runs, err := s.db.ListRunsByEnvironmentRun(r.Context(), er.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environment_run": er, "runs": runs})
}

func (s *Server) handleConfirmEnvironmentRun(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Confirm(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (s *Server) handleDiscardEnvironmentRun(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Discard(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}
