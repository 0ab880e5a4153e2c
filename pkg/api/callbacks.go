package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/butlerhq/butler-registry/pkg/metrics"
	"github.com/butlerhq/butler-registry/pkg/run"
)

// statusUpdate is the executor's status callback body.
type statusUpdate struct {
	Status             string `json:"status"`
	ExitCode           *int   `json:"exit_code,omitempty"`
	ResourcesAdded     *int   `json:"resources_added,omitempty"`
	ResourcesChanged   *int   `json:"resources_changed,omitempty"`
	ResourcesDestroyed *int   `json:"resources_destroyed,omitempty"`
	FailureReason      string `json:"failure_reason,omitempty"`
}

// handleCallbackStatus applies an executor-reported status transition.
// Updates against a terminal run answer 200 without mutating, so the
// executor never retries a lost race.
func (s *Server) handleCallbackStatus(w http.ResponseWriter, r *http.Request) {
	mr, ok := s.authenticateCallback(r, r.PathValue("id"))
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	if mr.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(mr.Status)})
		return
	}

	var upd statusUpdate
	if err := readJSON(r, &upd); err != nil {
		WriteBadRequest(w, "malformed status update")
		return
	}
	to := run.Status(upd.Status)
	if err := run.ValidateTransition(mr.Status, to); err != nil {
		WriteConflict(w, err.Error())
		return
	}

	if upd.ExitCode != nil || upd.ResourcesAdded != nil || upd.FailureReason != "" {
		if err := s.db.SetRunResults(r.Context(), mr.ID, upd.ExitCode,
			upd.ResourcesAdded, upd.ResourcesChanged, upd.ResourcesDestroyed, upd.FailureReason); err != nil {
			s.log.Error("callback: record results", "run_id", mr.ID, "error", err)
		}
	}

	if to.IsTerminal() {
		if err := s.queue.Complete(r.Context(), mr.ID, mr.Status, to); err != nil {
			writeDomainError(w, err)
			return
		}
		var dur time.Duration
		if mr.StartedAt != nil {
			dur = time.Since(*mr.StartedAt)
		}
		metrics.RecordRunComplete(string(mr.Operation), string(to), dur)
	} else {
		if err := s.queue.Transition(r.Context(), mr.ID, mr.Status, to); err != nil {
			writeDomainError(w, err)
			return
		}
		// A fresh plan may complete the cohort's confirmation frontier.
		if to == run.StatusPlanned && s.executor != nil && mr.EnvironmentRunID != nil {
			updated, err := s.db.GetRun(r.Context(), mr.ID)
			if err == nil {
				s.executor.OnModuleRunPlanned(r.Context(), updated)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(to)})
}

// handleCallbackLogs appends a log chunk to the run.
func (s *Server) handleCallbackLogs(w http.ResponseWriter, r *http.Request) {
	mr, ok := s.authenticateCallback(r, r.PathValue("id"))
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	if mr.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, map[string]string{"message": "run is terminal"})
		return
	}
	chunk, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(chunk) == 0 {
		WriteBadRequest(w, "empty log chunk")
		return
	}
	if err := s.db.AppendRunLog(r.Context(), mr.ID, string(chunk)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "appended"})
}

// handleCallbackPlan stores the plan artifact in blob storage and records
// its digest on the run.
func (s *Server) handleCallbackPlan(w http.ResponseWriter, r *http.Request) {
	mr, ok := s.authenticateCallback(r, r.PathValue("id"))
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	if mr.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, map[string]string{"message": "run is terminal"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil || len(data) == 0 {
		WriteBadRequest(w, "empty plan body")
		return
	}
	blobs, err := s.blobs.For(r.Context(), nil)
	if err != nil {
		WriteInternal(w)
		return
	}
	digest, err := blobs.Put(r.Context(), data)
	if err != nil {
		s.log.Error("callback: store plan", "run_id", mr.ID, "error", err)
		WriteInternal(w)
		return
	}
	if err := s.db.SetPlanRef(r.Context(), mr.ID, digest); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plan_ref": digest})
}

// handleCallbackOutputs records the terraform outputs of an apply.
func (s *Server) handleCallbackOutputs(w http.ResponseWriter, r *http.Request) {
	mr, ok := s.authenticateCallback(r, r.PathValue("id"))
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	if mr.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, map[string]string{"message": "run is terminal"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil || !json.Valid(data) {
		WriteBadRequest(w, "outputs must be a JSON document")
		return
	}
	if err := s.db.SetRunOutputs(r.Context(), mr.ID, data); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "outputs recorded"})
}
