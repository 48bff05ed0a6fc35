package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/audit/dispatch"
	"github.com/beaconhq/beacond/errors"
)

// handleStatus reports daemon liveness and queue depth.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	depth, err := s.queue.Depth()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue depth")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"queue_depth": depth,
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

type triggerRequest struct {
	URL      string `json:"url"`
	TargetID string `json:"target_id"`
	TeamID   string `json:"team_id"`
	Provider string `json:"provider"`
}

// handleTrigger starts an on-demand audit: one execution, one trigger per
// viewport.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req triggerRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.URL == "" || req.TeamID == "" {
		writeError(w, http.StatusBadRequest, "url and team_id are required")
		return
	}
	provider := audit.ProviderRunner
	if req.Provider != "" {
		if !audit.IsValidProvider(req.Provider) {
			writeError(w, http.StatusBadRequest, "unknown provider: "+req.Provider)
			return
		}
		provider = audit.Provider(req.Provider)
	}

	exec := audit.NewExecution("", req.TargetID, req.TeamID, req.URL, provider, audit.TriggeredByAPI)
	if err := s.store.CreateExecution(exec); err != nil {
		s.logger.Errorw("failed to create execution", "url", req.URL, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create execution")
		return
	}

	for _, vp := range audit.Viewports() {
		if err := s.queue.Enqueue(&dispatch.Trigger{
			UUID:     exec.UUID,
			URL:      exec.URL,
			Viewport: vp,
			TeamID:   exec.TeamID,
			Provider: exec.Provider,
		}); err != nil {
			s.logger.Errorw("failed to enqueue trigger",
				"uuid", exec.UUID, "viewport", vp, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to enqueue trigger")
			return
		}
	}

	s.logger.Infow("manual trigger accepted", "uuid", exec.UUID, "url", exec.URL)
	writeJSON(w, http.StatusAccepted, map[string]string{"uuid": exec.UUID})
}

type callbackRequest struct {
	Type     string `json:"type"`
	UUID     string `json:"uuid"`
	Viewport string `json:"viewport"`
	Category string `json:"category"`
	Key      string `json:"key"`
}

// handleCallback is the completion and failure entry point for audit jobs.
// Runners post "segue" after writing their report blob, "failed" when the
// audit cannot finish, and storage webhooks post "blob_created".
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req callbackRequest
	if !readJSON(w, r, &req) {
		return
	}

	switch req.Type {
	case "segue":
		if req.UUID == "" || !audit.IsValidViewport(req.Viewport) {
			writeError(w, http.StatusBadRequest, "segue requires uuid and a valid viewport")
			return
		}
		vp := audit.Viewport(req.Viewport)
		if err := s.pipeline.HandleSegue(r.Context(), req.UUID, req.Category, vp); err != nil {
			if errors.Is(err, errors.ErrExtraction) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			s.logger.Errorw("segue failed", "uuid", req.UUID, "viewport", vp, "error", err)
			writeError(w, http.StatusInternalServerError, "segue failed")
			return
		}

	case "failed":
		if req.UUID == "" || !audit.IsValidViewport(req.Viewport) {
			writeError(w, http.StatusBadRequest, "failed requires uuid and a valid viewport")
			return
		}
		vp := audit.Viewport(req.Viewport)
		if err := s.coord.HandleFailure(r.Context(), req.UUID, vp); err != nil {
			s.logger.Errorw("failure handling failed", "uuid", req.UUID, "viewport", vp, "error", err)
			writeError(w, http.StatusInternalServerError, "failure handling failed")
			return
		}

	case "blob_created":
		if req.Key == "" {
			writeError(w, http.StatusBadRequest, "blob_created requires key")
			return
		}
		if err := s.pipeline.HandleBlobCreated(r.Context(), req.Key); err != nil {
			if errors.Is(err, errors.ErrExtraction) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			s.logger.Errorw("blob ingestion failed", "key", req.Key, "error", err)
			writeError(w, http.StatusInternalServerError, "ingestion failed")
			return
		}

	default:
		writeError(w, http.StatusBadRequest, "unknown callback type: "+req.Type)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scheduleRequest struct {
	TargetID string `json:"target_id"`
	TeamID   string `json:"team_id"`
	URL      string `json:"url"`
	Cron     string `json:"cron"`
	Provider string `json:"provider"`
}

// handleSchedules lists and creates schedules.
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		schedules, err := s.store.ListSchedules()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list schedules")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})

	case http.MethodPost:
		var req scheduleRequest
		if !readJSON(w, r, &req) {
			return
		}
		if req.URL == "" || req.TeamID == "" || req.Cron == "" {
			writeError(w, http.StatusBadRequest, "url, team_id and cron are required")
			return
		}
		spec, err := cron.ParseStandard(req.Cron)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
			return
		}
		provider := audit.ProviderRunner
		if req.Provider != "" {
			if !audit.IsValidProvider(req.Provider) {
				writeError(w, http.StatusBadRequest, "unknown provider: "+req.Provider)
				return
			}
			provider = audit.Provider(req.Provider)
		}

		sch := &audit.Schedule{
			ID:              "sch_" + uuid.NewString(),
			TargetID:        req.TargetID,
			TeamID:          req.TeamID,
			URL:             req.URL,
			CronExpr:        req.Cron,
			NextExecutionAt: spec.Next(time.Now().UTC()),
			Provider:        provider,
		}
		if err := s.store.CreateSchedule(sch); err != nil {
			s.logger.Errorw("failed to create schedule", "url", req.URL, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create schedule")
			return
		}
		s.logger.Infow("schedule created",
			"schedule_id", sch.ID, "url", sch.URL, "cron", sch.CronExpr)
		writeJSON(w, http.StatusCreated, sch)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleScheduleByID reads or deletes a single schedule.
func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/api/schedules/"):]
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing schedule id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		sch, err := s.store.GetSchedule(id)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				writeError(w, http.StatusNotFound, "schedule not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to read schedule")
			return
		}
		writeJSON(w, http.StatusOK, sch)

	case http.MethodDelete:
		if err := s.store.DeleteSchedule(id); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				writeError(w, http.StatusNotFound, "schedule not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to delete schedule")
			return
		}
		s.logger.Infow("schedule deleted", "schedule_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleExecutions lists recent executions for a team, with their runs.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	teamID := r.URL.Query().Get("team")
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "team query parameter is required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	execs, err := s.store.ListExecutionsByTeam(teamID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	type executionView struct {
		*audit.Execution
		Runs []*audit.ViewportRun `json:"runs"`
	}
	views := make([]executionView, 0, len(execs))
	for _, exec := range execs {
		runs, err := s.store.ListRunsByExecution(exec.UUID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}
		views = append(views, executionView{Execution: exec, Runs: runs})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": views})
}
