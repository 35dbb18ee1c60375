package pomodoro

import (
	"fmt"
	"sync"
)

// Store is the in-memory registry of live sessions, indexed by id and by user.
// It never performs I/O.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]string
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
	}
}

// Put inserts or replaces a session. It fails if the user already owns a
// different non-terminal session.
func (s *Store) Put(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(sess)
}

func (s *Store) putLocked(sess *Session) error {
	if id, ok := s.byUser[sess.UserID]; ok && id != sess.ID {
		if other := s.sessions[id]; other != nil && !other.State.Terminal() {
			return fmt.Errorf("%w: user %s owns %s", ErrConflict, sess.UserID, id)
		}
	}
	s.sessions[sess.ID] = sess
	s.byUser[sess.UserID] = sess.ID
	return nil
}

// PutIfAbsent inserts sess unless its user already owns a live session, in
// which case the existing session's snapshot is returned with inserted=false.
// The lookup and the insert happen in one critical section.
func (s *Store) PutIfAbsent(sess *Session) (snap Snapshot, inserted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findByUserLocked(sess.UserID); existing != nil {
		return existing.Snapshot(), false
	}
	// Cannot conflict: findByUserLocked just returned nil.
	_ = s.putLocked(sess)
	return sess.Snapshot(), true
}

// Get returns a snapshot of the session with the given id.
func (s *Store) Get(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// FindByUser returns the user's live session, if any.
func (s *Store) FindByUser(userID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.findByUserLocked(userID)
	if sess == nil {
		return Snapshot{}, false
	}
	return sess.Snapshot(), true
}

func (s *Store) findByUserLocked(userID string) *Session {
	id, ok := s.byUser[userID]
	if !ok {
		return nil
	}
	sess, ok := s.sessions[id]
	if !ok || sess.State.Terminal() {
		return nil
	}
	return sess
}

// Remove deletes the session and returns its final snapshot. Only one caller
// can observe ok=true for a given id, which makes Remove the claim step for
// completion.
func (s *Store) Remove(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	delete(s.sessions, id)
	if s.byUser[sess.UserID] == id {
		delete(s.byUser, sess.UserID)
	}
	return sess.Snapshot(), true
}

// Update runs fn against the live session under the store lock and returns
// the resulting snapshot. fn must not block or perform I/O.
func (s *Store) Update(id string, fn func(*Session) error) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if err := fn(sess); err != nil {
		return sess.Snapshot(), err
	}
	return sess.Snapshot(), nil
}

// Each calls fn for every session whose id is in ids while holding the lock
// once for the whole batch. Missing ids are reported through missing.
func (s *Store) Each(ids []string, fn func(*Session)) (missing []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		sess, ok := s.sessions[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		fn(sess)
	}
	return missing
}

// Snapshots returns consistent copies of every live session.
func (s *Store) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Snapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, sess.Snapshot())
	}
	return result
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
