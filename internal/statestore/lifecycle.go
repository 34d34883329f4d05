package statestore

import "sync/atomic"

var lifecycle atomic.Value
var draining atomic.Bool

func init() {
	lifecycle.Store("not_ready")
}

// SetState sets the server lifecycle state.
func SetState(s string) {
	lifecycle.Store(s)
}

// GetState returns the current server lifecycle state.
func GetState() string {
	if v, ok := lifecycle.Load().(string); ok {
		return v
	}
	return "unknown"
}

// StartDrain marks the server as draining.
func StartDrain() {
	draining.Store(true)
	SetState("draining")
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return draining.Load()
}

func resetLifecycle() {
	draining.Store(false)
	SetState("not_ready")
}
