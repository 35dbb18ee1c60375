package pomodoro

import (
	"context"
	"sync"
	"time"
)

const tickInterval = time.Second

// Scheduler advances every registered running session by one simulated
// second per tick. A single loop serves all sessions, so a session can never
// have two tickers.
type Scheduler struct {
	store *Store
	now   func() time.Time

	mu      sync.Mutex
	tracked map[string]struct{}

	// onExpire is called outside the store lock for countdowns that hit zero.
	onExpire func(id string)
	// onTick receives the post-tick snapshot of every advanced session.
	onTick func(snap Snapshot)
	// onCap is called when a count-up session is forced to paused.
	onCap func(snap Snapshot)
}

// NewScheduler creates a scheduler over store.
func NewScheduler(store *Store) *Scheduler {
	return &Scheduler{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		tracked: make(map[string]struct{}),
	}
}

// Register starts ticking a session. Registering twice is harmless.
func (sc *Scheduler) Register(id string) {
	sc.mu.Lock()
	sc.tracked[id] = struct{}{}
	sc.mu.Unlock()
}

// Unregister stops ticking a session.
func (sc *Scheduler) Unregister(id string) {
	sc.mu.Lock()
	delete(sc.tracked, id)
	sc.mu.Unlock()
}

// Tracked reports whether id is currently registered.
func (sc *Scheduler) Tracked(id string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.tracked[id]
	return ok
}

// Tick applies exactly one simulated second to every registered running session.
func (sc *Scheduler) Tick() {
	sc.mu.Lock()
	ids := make([]string, 0, len(sc.tracked))
	for id := range sc.tracked {
		ids = append(ids, id)
	}
	sc.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	now := sc.now()
	var (
		expired []string
		capped  []Snapshot
		ticked  []Snapshot
	)

	missing := sc.store.Each(ids, func(sess *Session) {
		if sess.State != StateRunning {
			return
		}
		sess.Revision++
		switch sess.Mode {
		case ModeCountdown:
			if sess.RemainingSeconds > 0 {
				sess.RemainingSeconds--
			}
			if sess.RemainingSeconds == 0 {
				expired = append(expired, sess.ID)
				return
			}
		case ModeCountUp:
			if sess.ElapsedSeconds < CountUpCap {
				sess.ElapsedSeconds++
			}
			if sess.ElapsedSeconds >= CountUpCap {
				sess.ElapsedSeconds = CountUpCap
				sess.State = StatePaused
				sess.Capped = true
				sess.PausedAt = &now
				capped = append(capped, sess.Snapshot())
				return
			}
		}
		ticked = append(ticked, sess.Snapshot())
	})

	for _, id := range missing {
		sc.Unregister(id)
	}
	for _, snap := range capped {
		sc.Unregister(snap.ID)
		if sc.onCap != nil {
			sc.onCap(snap)
		}
	}
	if sc.onTick != nil {
		for _, snap := range ticked {
			sc.onTick(snap)
		}
	}
	for _, id := range expired {
		sc.Unregister(id)
		if sc.onExpire != nil {
			sc.onExpire(id)
		}
	}
}

// Run ticks once per second until ctx is cancelled.
func (sc *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.Tick()
		case <-ctx.Done():
			return
		}
	}
}
