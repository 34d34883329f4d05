// Package capacity computes how much request and token budget an upstream
// deployment has left, given the tasks it started recently.
//
// Upstream APIs throttle on several overlapping windows at once: the
// documented per-minute quota, an implied 10 second share (quota/6) and a
// 1 second share (quota/60). The available budget is the minimum across all
// windows that have seen traffic.
package capacity

import (
	"math"
	"time"
)

const (
	Window1s  = time.Second
	Window10s = 10 * time.Second
	Window60s = time.Minute
)

// Record charges a task's estimated demand against the windows at the time
// the task started. Records outlive the task itself until they age out of the
// longest window.
type Record struct {
	StartedAt      time.Time
	TokensDemanded float64
}

// Capacity is the budget a worker may still admit right now.
type Capacity struct {
	Tokens   float64
	Requests float64
}

// Usage is the consumption observed within one window.
type Usage struct {
	Tokens   float64
	Requests int
}

type windowed struct {
	count60s, count10s, count1s int
	usage60s, usage10s, usage1s float64
}

func inWindow(r Record, now time.Time, window time.Duration) bool {
	return !r.StartedAt.Before(now.Add(-window))
}

// Available returns the remaining token and request budget at now.
// The finer windows only constrain once they contain at least one record, so
// an idle worker is not falsely limited to a 1 second share.
func Available(requestsPerMinute, tokensPerMinute float64, records []Record, now time.Time) Capacity {
	var w windowed
	for _, r := range records {
		if !inWindow(r, now, Window60s) {
			continue
		}
		w.count60s++
		w.usage60s += r.TokensDemanded
		if !inWindow(r, now, Window10s) {
			continue
		}
		w.count10s++
		w.usage10s += r.TokensDemanded
		if !inWindow(r, now, Window1s) {
			continue
		}
		w.count1s++
		w.usage1s += r.TokensDemanded
	}

	tokens60s := tokensPerMinute - w.usage60s
	tokens10s := tokens60s
	if w.count10s > 0 {
		tokens10s = tokensPerMinute/6 - w.usage10s
	}
	tokens1s := tokens60s
	if w.count1s > 0 {
		tokens1s = tokensPerMinute/60 - w.usage1s
	}

	requests60s := requestsPerMinute - float64(w.count60s)
	requests10s := requestsPerMinute/6 - float64(w.count10s)

	return Capacity{
		Tokens:   math.Min(tokens1s, math.Min(tokens10s, tokens60s)),
		Requests: math.Min(requests10s, requests60s),
	}
}

// WindowedUsage sums the records started within window before now. It is
// used for status reporting only, never for admission.
func WindowedUsage(window time.Duration, records []Record, now time.Time) Usage {
	var u Usage
	for _, r := range records {
		if inWindow(r, now, window) {
			u.Tokens += r.TokensDemanded
			u.Requests++
		}
	}
	return u
}

// Prune drops records that no longer fall in any window. The returned slice
// reuses the backing array of records.
func Prune(records []Record, now time.Time) []Record {
	kept := records[:0]
	for _, r := range records {
		if inWindow(r, now, Window60s) {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(records); i++ {
		records[i] = Record{}
	}
	return kept
}
