package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lifetracker/internal/pomodoro"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate    = "pomodoro.update"
	TypeSessionTick      = "pomodoro.tick"
	TypeSessionCompleted = "pomodoro.completed"
	TypeError            = "error"
)

// Client → Server message types.
const (
	TypeSessionStart  = "pomodoro.start"
	TypeSessionPause  = "pomodoro.pause"
	TypeSessionResume = "pomodoro.resume"
	TypeSessionStop   = "pomodoro.stop"
	TypeSessionStatus = "pomodoro.status"
)

// Error codes.
const (
	ErrSessionNotFound    = "SESSION_NOT_FOUND"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrInvalidMessage     = "INVALID_MESSAGE"
	ErrPersistenceFailure = "PERSISTENCE_FAILURE"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrInternal           = "INTERNAL_ERROR"
)

// Server → Client payloads.

// SessionUpdatePayload carries a lifecycle change. Session is nil when the
// user has no active session (a status reply).
type SessionUpdatePayload struct {
	Event   string             `json:"event"`
	Session *pomodoro.Snapshot `json:"session"`
}

type SessionTickPayload struct {
	SessionID        string         `json:"session_id"`
	State            pomodoro.State `json:"state"`
	RemainingSeconds int            `json:"remaining_seconds"`
	ElapsedSeconds   int            `json:"elapsed_seconds"`
}

type SessionCompletedPayload struct {
	Completed bool              `json:"completed"`
	Session   pomodoro.Snapshot `json:"session"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionStartPayload struct {
	DurationMinutes int     `json:"duration_minutes"`
	TaskID          *string `json:"task_id,omitempty"`
	IsCountUp       bool    `json:"is_count_up"`
}

type SessionIDPayload struct {
	SessionID string `json:"session_id"`
}

// EventMessage converts an engine event into the message pushed to clients.
func EventMessage(ev pomodoro.Event) (*Message, error) {
	switch ev.Type {
	case pomodoro.EventTick:
		return NewMessage(TypeSessionTick, SessionTickPayload{
			SessionID:        ev.Session.ID,
			State:            ev.Session.State,
			RemainingSeconds: ev.Session.RemainingSeconds,
			ElapsedSeconds:   ev.Session.ElapsedSeconds,
		})
	case pomodoro.EventCompleted, pomodoro.EventCancelled:
		return NewMessage(TypeSessionCompleted, SessionCompletedPayload{
			Completed: ev.Type == pomodoro.EventCompleted,
			Session:   ev.Session,
		})
	default:
		snap := ev.Session
		return NewMessage(TypeSessionUpdate, SessionUpdatePayload{
			Event:   string(ev.Type),
			Session: &snap,
		})
	}
}

// CodeFor maps an engine error to a client error code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, pomodoro.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, pomodoro.ErrInvalidTransition):
		return ErrInvalidTransition
	case errors.Is(err, pomodoro.ErrInvalidRequest):
		return ErrInvalidMessage
	case errors.Is(err, pomodoro.ErrPersistence):
		return ErrPersistenceFailure
	default:
		return ErrInternal
	}
}
