package pomodoro

// sessionHistory is a fixed-capacity circular log of the non-tick events of
// a user's current session. Starting a different session drops the previous
// lifecycle, and a finished session collapses to its final event, so a
// reconnecting client only replays what still matters.
type sessionHistory struct {
	buf      []Event
	capacity int
	pos      int // next write position
	full     bool
}

func newSessionHistory(capacity int) *sessionHistory {
	return &sessionHistory{
		buf:      make([]Event, capacity),
		capacity: capacity,
	}
}

// append records ev, overwriting the oldest entry when full.
func (h *sessionHistory) append(ev Event) {
	if ev.Type == EventTick {
		return
	}
	if last, ok := h.last(); ok && last.Session.ID != ev.Session.ID {
		h.reset()
	}
	if ev.Type.finished() {
		h.reset()
	}

	h.buf[h.pos] = ev
	h.pos = (h.pos + 1) % h.capacity
	if h.pos == 0 {
		h.full = true
	}
}

// events returns the buffered events in chronological order.
func (h *sessionHistory) events() []Event {
	if !h.full {
		result := make([]Event, h.pos)
		copy(result, h.buf[:h.pos])
		return result
	}

	result := make([]Event, h.capacity)
	copy(result, h.buf[h.pos:])
	copy(result[h.capacity-h.pos:], h.buf[:h.pos])
	return result
}

func (h *sessionHistory) last() (Event, bool) {
	if h.len() == 0 {
		return Event{}, false
	}
	return h.buf[(h.pos-1+h.capacity)%h.capacity], true
}

func (h *sessionHistory) len() int {
	if h.full {
		return h.capacity
	}
	return h.pos
}

// idle reports whether nothing live is left to replay.
func (h *sessionHistory) idle() bool {
	last, ok := h.last()
	return !ok || last.Type.finished()
}

func (h *sessionHistory) reset() {
	clear(h.buf)
	h.pos = 0
	h.full = false
}
