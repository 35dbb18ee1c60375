package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"lifetracker/internal/pomodoro"
	"lifetracker/internal/protocol"
)

type startSessionRequest struct {
	DurationMinutes int     `json:"duration_minutes"`
	TaskID          *string `json:"task_id"`
	IsCountUp       bool    `json:"is_count_up"`
}

type startSessionResponse struct {
	SessionID  string            `json:"session_id"`
	IsExisting bool              `json:"is_existing"`
	Session    pomodoro.Snapshot `json:"session"`
	Error      string            `json:"error,omitempty"`
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultSummaryRange = 7 * 24 * time.Hour
)

// historyEntry is a persisted session as served by the history endpoint.
type historyEntry struct {
	ID                    string         `json:"id"`
	TaskID                *string        `json:"task_id,omitempty"`
	DurationMinutes       int            `json:"duration_minutes"`
	IsCountUp             bool           `json:"is_count_up"`
	Status                pomodoro.State `json:"status"`
	StartedAt             time.Time      `json:"started_at"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
	ActualDurationMinutes *int           `json:"actual_duration_minutes,omitempty"`
}

type studySummary struct {
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	TotalMinutes int       `json:"total_minutes"`
}

type transitionResponse struct {
	Success   bool              `json:"success"`
	Completed *bool             `json:"completed,omitempty"`
	Session   pomodoro.Snapshot `json:"session"`
	Error     string            `json:"error,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeUnauthorized(w)
		return
	}

	var body startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := pomodoro.NewStartRequest(body.DurationMinutes, body.IsCountUp, body.TaskID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, existing, err := s.engine.Start(r.Context(), userID, req)
	if err != nil && snap.ID == "" {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}

	resp := startSessionResponse{SessionID: snap.ID, IsExisting: existing, Session: snap}
	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	if err != nil {
		// The session is live but its first write failed.
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Resume)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Stop)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (pomodoro.Snapshot, error)) {
	userID := userFromRequest(r)
	if userID == "" {
		writeUnauthorized(w)
		return
	}

	id := r.PathValue("id")
	if !s.owns(userID, id) {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	snap, err := op(r.Context(), id)
	if err != nil && snap.ID == "" {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}

	resp := transitionResponse{Success: err == nil, Session: snap}
	if snap.State.Terminal() {
		completed := snap.State == pomodoro.StateCompleted
		resp.Completed = &completed
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.engine.Status(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeUnauthorized(w)
		return
	}

	snap, live, err := s.engine.ActiveForUser(r.Context(), userID)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	if !live {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.engine.List()
	if sessions == nil {
		sessions = []pomodoro.Snapshot{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleStudyRecords(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeUnauthorized(w)
		return
	}

	records, err := s.records.ListStudyRecords(r.Context(), userID)
	if err != nil {
		s.logger.Warn("list study records failed", "user", userID, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "study records unavailable")
		return
	}
	if records == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeUnauthorized(w)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.records.ListRecords(r.Context(), userID, limit)
	if err != nil {
		s.logger.Warn("list session history failed", "user", userID, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, historyEntry{
			ID:                    rec.ID,
			TaskID:                rec.TaskID,
			DurationMinutes:       rec.DurationMinutes,
			IsCountUp:             rec.IsCountUp,
			Status:                rec.Status,
			StartedAt:             rec.StartedAt,
			CompletedAt:           rec.CompletedAt,
			ActualDurationMinutes: rec.ActualDurationMinutes,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleStudySummary totals focus minutes in [from, to). Both bounds are
// RFC 3339; the default window is the last seven days.
func (s *Server) handleStudySummary(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeUnauthorized(w)
		return
	}

	to := time.Now().UTC()
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "to must be an RFC 3339 timestamp")
			return
		}
		to = t
	}
	from := to.Add(-defaultSummaryRange)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "from must be an RFC 3339 timestamp")
			return
		}
		from = t
	}
	if !from.Before(to) {
		writeJSONError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	total, err := s.records.TotalStudyMinutes(r.Context(), userID, from, to)
	if err != nil {
		s.logger.Warn("study summary failed", "user", userID, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "study records unavailable")
		return
	}
	writeJSON(w, http.StatusOK, studySummary{From: from, To: to, TotalMinutes: total})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.engine.List()),
		"clients":  s.ClientCount(),
	})
}

// statusFor maps an engine error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pomodoro.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pomodoro.ErrInvalidTransition), errors.Is(err, pomodoro.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, pomodoro.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, pomodoro.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error": "user identity is required",
		"code":  protocol.ErrUnauthorized,
	})
}
