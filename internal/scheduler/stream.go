package scheduler

import (
	"context"
	"io"
	"sync"
)

// Stream carries the results of one submitted task to its caller: zero or
// more values followed by a single terminal outcome. Producers never block.
type Stream struct {
	mu     sync.Mutex
	items  []any
	read   int
	err    error
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newStream() *Stream {
	return &Stream{notify: make(chan struct{}), done: make(chan struct{})}
}

func (s *Stream) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Stream) push(v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.items = append(s.items, v)
	s.wake()
	return true
}

func (s *Stream) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	s.wake()
	close(s.done)
	return true
}

// Next returns the next value. It returns io.EOF once the task completed
// successfully and every value was read, or the task error if it failed.
func (s *Stream) Next(ctx context.Context) (any, error) {
	for {
		s.mu.Lock()
		if s.read < len(s.items) {
			v := s.items[s.read]
			s.read++
			s.mu.Unlock()
			return v, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		ch := s.notify
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Wait blocks until the task terminates and returns its last value. Values
// delivered before a failure are kept and returned alongside the error.
func (s *Stream) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var last any
	if len(s.items) > 0 {
		last = s.items[len(s.items)-1]
	}
	return last, s.err
}

// Items returns a copy of every value delivered so far.
func (s *Stream) Items() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.items...)
}

// Done is closed when the task terminates.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, nil while running or after success.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
