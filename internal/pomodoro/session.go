package pomodoro

import (
	"fmt"
	"time"
)

const (
	// CountUpCap is the hard ceiling for a count-up session, in seconds.
	CountUpCap = 3 * 60 * 60
	// MinCountUpSeconds is the shortest count-up session that still yields a study record.
	MinCountUpSeconds = 5 * 60

	defaultDurationMinutes = 25
	maxDurationMinutes     = 180
)

// Mode selects how a session's counter moves.
type Mode string

const (
	ModeCountdown Mode = "countdown"
	ModeCountUp   Mode = "count_up"
)

// State represents the lifecycle state of a session.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Session is the live, in-memory timer for one user.
type Session struct {
	ID               string
	UserID           string
	TaskID           *string
	Mode             Mode
	DurationSeconds  int
	RemainingSeconds int
	ElapsedSeconds   int
	State            State
	Capped           bool
	StartedAt        time.Time
	PausedAt         *time.Time
	ResumedAt        *time.Time
	CompletedAt      *time.Time
	// Revision goes up on every change so storage can drop stale writes.
	Revision int64
}

// Elapsed returns the focus seconds accumulated so far regardless of mode.
func (s *Session) Elapsed() int {
	if s.Mode == ModeCountdown {
		return s.DurationSeconds - s.RemainingSeconds
	}
	return s.ElapsedSeconds
}

// DurationMinutes returns the configured length in whole minutes.
func (s *Session) DurationMinutes() int {
	return s.DurationSeconds / 60
}

// Snapshot returns a copy that is safe to hand out of the store.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:               s.ID,
		UserID:           s.UserID,
		TaskID:           copyString(s.TaskID),
		Mode:             s.Mode,
		IsCountUp:        s.Mode == ModeCountUp,
		DurationSeconds:  s.DurationSeconds,
		DurationMinutes:  s.DurationMinutes(),
		RemainingSeconds: s.RemainingSeconds,
		ElapsedSeconds:   s.Elapsed(),
		State:            s.State,
		Capped:           s.Capped,
		StartedAt:        s.StartedAt,
		PausedAt:         copyTime(s.PausedAt),
		ResumedAt:        copyTime(s.ResumedAt),
		CompletedAt:      copyTime(s.CompletedAt),
		Revision:         s.Revision,
	}
	return snap
}

// Snapshot is the read-only view of a session served to callers.
type Snapshot struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	TaskID           *string    `json:"task_id,omitempty"`
	Mode             Mode       `json:"mode"`
	IsCountUp        bool       `json:"is_count_up"`
	DurationSeconds  int        `json:"duration_seconds"`
	DurationMinutes  int        `json:"duration_minutes"`
	RemainingSeconds int        `json:"remaining_seconds"`
	ElapsedSeconds   int        `json:"elapsed_seconds"`
	State            State      `json:"state"`
	Capped           bool       `json:"capped,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	PausedAt         *time.Time `json:"paused_at,omitempty"`
	ResumedAt        *time.Time `json:"resumed_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Revision         int64      `json:"revision"`
}

// StartSessionRequest carries validated parameters for Engine.Start.
type StartSessionRequest struct {
	Mode            Mode
	DurationMinutes int
	TaskID          *string
}

// NewStartRequest validates raw start parameters. A zero duration falls back
// to the classic 25 minutes.
func NewStartRequest(durationMinutes int, isCountUp bool, taskID *string) (StartSessionRequest, error) {
	mode := ModeCountdown
	if isCountUp {
		mode = ModeCountUp
	}
	if durationMinutes == 0 {
		durationMinutes = defaultDurationMinutes
	}
	if durationMinutes < 0 || durationMinutes > maxDurationMinutes {
		return StartSessionRequest{}, fmt.Errorf("%w: duration_minutes must be between 1 and %d", ErrInvalidRequest, maxDurationMinutes)
	}
	if taskID != nil && *taskID == "" {
		taskID = nil
	}
	return StartSessionRequest{
		Mode:            mode,
		DurationMinutes: durationMinutes,
		TaskID:          copyString(taskID),
	}, nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
