package scheduler

import (
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// stubWorker records the calls the manager makes without ever polling.
type stubWorker struct {
	mu        sync.Mutex
	starts    int
	stops     int
	abortAlls int
	aborts    []TaskSelector
	evicts    []TaskSelector
}

func (s *stubWorker) Start(WorkerManager) { s.mu.Lock(); s.starts++; s.mu.Unlock() }
func (s *stubWorker) Stop()               { s.mu.Lock(); s.stops++; s.mu.Unlock() }
func (s *stubWorker) AbortAll()           { s.mu.Lock(); s.abortAlls++; s.mu.Unlock() }

func (s *stubWorker) Abort(sel TaskSelector) {
	s.mu.Lock()
	s.aborts = append(s.aborts, sel)
	s.mu.Unlock()
}

func (s *stubWorker) Evict(sel TaskSelector) {
	s.mu.Lock()
	s.evicts = append(s.evicts, sel)
	s.mu.Unlock()
}

func (s *stubWorker) Status() WorkerStatus { return WorkerStatus{ID: "stub"} }
