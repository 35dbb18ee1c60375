package pomodoro

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errStorageDown = errors.New("storage down")

// memGateway is an in-memory Gateway with the same terminal-record and
// revision guards as the SQLite store.
type memGateway struct {
	mu        sync.Mutex
	records   map[string]Record
	creates   int
	failing   bool // writes fail
	failReads bool
}

func newMemGateway() *memGateway {
	return &memGateway{records: make(map[string]Record)}
}

func (g *memGateway) setFailing(v bool) {
	g.mu.Lock()
	g.failing = v
	g.mu.Unlock()
}

func (g *memGateway) CreateRecord(_ context.Context, rec Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failing {
		return errStorageDown
	}
	g.creates++
	if old, ok := g.records[rec.ID]; ok && (old.Status.Terminal() || rec.Revision < old.Revision) {
		return nil
	}
	g.records[rec.ID] = rec
	return nil
}

func (g *memGateway) UpdateRecord(_ context.Context, id string, p RecordPatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failing {
		return errStorageDown
	}
	rec, ok := g.records[id]
	if !ok || rec.Status.Terminal() {
		return nil
	}
	if p.Revision != nil && *p.Revision < rec.Revision {
		return nil
	}
	if p.Revision != nil {
		rec.Revision = *p.Revision
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.CountUpElapsed != nil {
		rec.CountUpElapsed = p.CountUpElapsed
	}
	if p.RemainingSeconds != nil {
		rec.RemainingSeconds = p.RemainingSeconds
	}
	if p.PausedAt != nil {
		rec.PausedAt = p.PausedAt
	}
	if p.ResumedAt != nil {
		rec.ResumedAt = p.ResumedAt
	}
	if p.CompletedAt != nil {
		rec.CompletedAt = p.CompletedAt
	}
	if p.ActualDurationMinutes != nil {
		rec.ActualDurationMinutes = p.ActualDurationMinutes
	}
	if p.SyncedAt != nil {
		rec.SyncedAt = p.SyncedAt
	}
	g.records[id] = rec
	return nil
}

func (g *memGateway) GetRecord(_ context.Context, id string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failReads {
		return nil, errStorageDown
	}
	rec, ok := g.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (g *memGateway) OpenRecordForUser(_ context.Context, userID string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failReads {
		return nil, errStorageDown
	}
	var latest *Record
	for _, rec := range g.records {
		if rec.UserID != userID || rec.Status.Terminal() {
			continue
		}
		if latest == nil || rec.StartedAt.After(latest.StartedAt) {
			r := rec
			latest = &r
		}
	}
	return latest, nil
}

func (g *memGateway) record(t *testing.T, id string) Record {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[id]
	if !ok {
		t.Fatalf("no persisted record for %s", id)
	}
	return rec
}

func (g *memGateway) createCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates
}

func (g *memGateway) put(rec Record) {
	g.mu.Lock()
	g.records[rec.ID] = rec
	g.mu.Unlock()
}

// memSink collects study records, deduplicated by session id.
type memSink struct {
	mu      sync.Mutex
	records []StudyRecord
	failing bool
}

func (s *memSink) CreateStudyRecord(_ context.Context, rec StudyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStorageDown
	}
	for _, r := range s.records {
		if r.SessionID == rec.SessionID {
			return nil
		}
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memSink) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *memSink) all() []StudyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StudyRecord, len(s.records))
	copy(out, s.records)
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEngine struct {
	*Engine
	gw    *memGateway
	sink  *memSink
	clock *fakeClock
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	gw := newMemGateway()
	return newTestEngineWith(t, gw)
}

func newTestEngineWith(t *testing.T, gw *memGateway) *testEngine {
	t.Helper()
	sink := &memSink{}
	clock := newFakeClock()
	e := NewEngine(gw, sink,
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return &testEngine{Engine: e, gw: gw, sink: sink, clock: clock}
}

// tick simulates n seconds: the clock advances and the scheduler ticks.
func (te *testEngine) tick(n int) {
	for i := 0; i < n; i++ {
		te.clock.Advance(time.Second)
		te.scheduler.Tick()
	}
}

func mustStart(t *testing.T, te *testEngine, user string, minutes int, countUp bool) Snapshot {
	t.Helper()
	req, err := NewStartRequest(minutes, countUp, nil)
	if err != nil {
		t.Fatalf("NewStartRequest: %v", err)
	}
	snap, existing, err := te.Start(context.Background(), user, req)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if existing {
		t.Fatalf("expected a new session for %s", user)
	}
	return snap
}
