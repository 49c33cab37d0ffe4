package server

import (
	"net/http"
	"strconv"

	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Get(),
	})
}

// GET /runs?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"runs": list})
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.runs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, report)
}

// POST /runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runs.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Infow("Run cancelled over HTTP", logger.FieldRunID, id)
	s.writeStatus(w, r, id, http.StatusAccepted)
}

// POST /runs/{id}/pause
func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runs.Pause(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeStatus(w, r, id, http.StatusAccepted)
}

// POST /runs/{id}/resume
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	id, err := s.runs.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeStatus(w, r, id, http.StatusAccepted)
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, id string, code int) {
	report, err := s.runs.Status(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_ = writeJSON(w, code, report)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := writeErr(w, err); status == http.StatusInternalServerError {
		s.logger.Errorw("Request failed", logger.FieldPath, r.URL.Path, logger.FieldError, err)
	}
}
