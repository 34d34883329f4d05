package server

import (
	"context"
	"net/http"
	"sync"
)

// Counter tracks in-flight submissions that block draining.
type Counter struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

// zeroLocked returns the channel closed when the count next reaches zero.
func (c *Counter) zeroLocked() chan struct{} {
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	return c.zeroCh
}

func (c *Counter) Inc() {
	c.mu.Lock()
	c.zeroLocked()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
	c.mu.Unlock()
}

func (c *Counter) Dec() {
	c.mu.Lock()
	c.zeroLocked()
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	c.mu.Unlock()
}

func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until the count is zero or ctx is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.zeroLocked()
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware counts a request for its whole duration.
func (c *Counter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Inc()
			defer c.Dec()
			next.ServeHTTP(w, r)
		})
	}
}

var submissions Counter

// InflightSubmissions returns the number of chat and embedding requests
// being served.
func InflightSubmissions() int64 { return submissions.Load() }

// WaitForSubmissions blocks until no submission is in flight or ctx ends.
func WaitForSubmissions(ctx context.Context) bool { return submissions.WaitForZero(ctx) }
