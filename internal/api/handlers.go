package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/crunchy/internal/files"
	"github.com/mattjoyce/crunchy/internal/ledger"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		LedgerEnabled: s.submissions != nil,
	})
}

// handleUnitStatus handles GET /v1/units/status?path=<unit path>.
func (s *Server) handleUnitStatus(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}

	state, err := s.status.StateOf(path)
	if err != nil {
		if errors.Is(err, files.ErrUnrecognizedSuffix) || errors.Is(err, files.ErrWrongFamily) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to read unit state", "path", path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read unit state")
		return
	}

	resp := UnitStatusResponse{State: state}
	if s.submissions != nil {
		last, err := s.submissions.Latest(r.Context(), state.Unit)
		if err != nil {
			s.logger.Warn("failed to read last submission", "unit", state.Unit, "error", err)
		}
		resp.LastSubmission = last
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListSubmissions handles GET /v1/submissions?unit=&direction=&limit=.
func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	if s.submissions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "submission ledger is not configured")
		return
	}

	q := r.URL.Query()
	filter := ledger.Filter{
		Unit:      q.Get("unit"),
		Direction: q.Get("direction"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := s.submissions.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list submissions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list submissions")
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	respondJSON(w, http.StatusOK, SubmissionsResponse{Submissions: entries, Count: len(entries)})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
