package pomodoro

import "errors"

var (
	// ErrNotFound means the session is neither live nor recoverable.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition means the requested transition is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrConflict means the user already owns another non-terminal session.
	ErrConflict = errors.New("user already has an active session")
	// ErrInvalidRequest means the start parameters failed validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPersistence wraps a failed synchronous write to durable storage.
	// In-memory state stays authoritative and the syncer retries.
	ErrPersistence = errors.New("persistence failure")
)
