package pomodoro

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHistoryCapacity  = 64
	defaultSubscriberBufCap = 32
)

// EventType distinguishes lifecycle notifications.
type EventType string

const (
	EventStarted   EventType = "started"
	EventRecovered EventType = "recovered"
	EventPaused    EventType = "paused"
	EventResumed   EventType = "resumed"
	EventTick      EventType = "tick"
	EventCapped    EventType = "capped"
	EventCompleted EventType = "completed"
	EventCancelled EventType = "cancelled"
)

func (t EventType) finished() bool {
	return t == EventCompleted || t == EventCancelled
}

// Event is a single session notification delivered to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Session   Snapshot  `json:"session"`
	Timestamp time.Time `json:"timestamp"`
}

// hub fans events out to per-user subscribers and keeps a short history so
// that a reconnecting client can catch up. A user's feed is dropped once it
// has no subscribers and nothing live to replay.
type hub struct {
	mu    sync.Mutex
	users map[string]*userFeed
}

type userFeed struct {
	history     *sessionHistory
	subscribers map[string]chan Event
}

func newHub() *hub {
	return &hub{users: make(map[string]*userFeed)}
}

func (h *hub) feedLocked(userID string) *userFeed {
	f, ok := h.users[userID]
	if !ok {
		f = &userFeed{
			history:     newSessionHistory(defaultHistoryCapacity),
			subscribers: make(map[string]chan Event),
		}
		h.users[userID] = f
	}
	return f
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	f := h.feedLocked(ev.Session.UserID)
	f.history.append(ev)
	// Sends stay under the lock so unsubscribe cannot close a channel mid-send.
	for _, ch := range f.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber channel full, drop the event.
		}
	}
	h.pruneLocked(ev.Session.UserID, f)
	h.mu.Unlock()
}

// subscribe registers a channel for userID. History is captured under the
// same lock so no event falls between the replay and the live stream.
func (h *hub) subscribe(userID string) (string, <-chan Event, []Event) {
	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	h.mu.Lock()
	f := h.feedLocked(userID)
	history := f.history.events()
	f.subscribers[subID] = ch
	h.mu.Unlock()

	return subID, ch, history
}

func (h *hub) unsubscribe(userID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.users[userID]
	if !ok {
		return
	}
	if ch, exists := f.subscribers[subID]; exists {
		close(ch)
		delete(f.subscribers, subID)
	}
	h.pruneLocked(userID, f)
}

func (h *hub) pruneLocked(userID string, f *userFeed) {
	if len(f.subscribers) == 0 && f.history.idle() {
		delete(h.users, userID)
	}
}

// feedCount returns the number of users with a retained feed.
func (h *hub) feedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, f := range h.users {
		for id, ch := range f.subscribers {
			close(ch)
			delete(f.subscribers, id)
		}
		delete(h.users, userID)
	}
}
