package scheduler

import (
	"fmt"
	"time"
)

// MatchRule decides whether a worker asking with req may start task now.
// Every configured match rule must pass.
type MatchRule func(req TaskRequest, task *Task) bool

// SortRule orders pending tasks offered to a worker. Negative puts a first,
// zero expresses no preference. Rules apply in order; the first non-zero
// result decides.
type SortRule func(a, b HandleSnapshot) int

// SweepRule decides whether a pooled task is evicted. The first rule that
// removes wins.
type SweepRule func(h HandleSnapshot, now time.Time) SweepDecision

type SweepDecision struct {
	Remove bool
	Reason string
}

// MatchByModel passes when the task accepts one of the worker's models.
func MatchByModel() MatchRule {
	return func(req TaskRequest, task *Task) bool {
		for _, want := range task.Models {
			for _, have := range req.Models {
				if want == have {
					return true
				}
			}
		}
		return false
	}
}

// MatchByToken passes when the task demand fits the worker's token capacity.
func MatchByToken() MatchRule {
	return func(req TaskRequest, task *Task) bool {
		return task.TokenDemand <= req.TokenCapacity
	}
}

// GlobalTimeout evicts any task, running or not, older than timeout.
// The age includes every retry attempt.
func GlobalTimeout(timeout time.Duration) SweepRule {
	return func(h HandleSnapshot, now time.Time) SweepDecision {
		age := now.Sub(h.CreatedAt)
		if age <= timeout {
			return SweepDecision{}
		}
		return SweepDecision{
			Remove: true,
			Reason: fmt.Sprintf("task expired, duration %d ms", age.Milliseconds()),
		}
	}
}

// SortByCreatedAt offers the oldest task first.
func SortByCreatedAt() SortRule {
	return func(a, b HandleSnapshot) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

// SortByRetryLeft offers the task closest to exhausting its retries first.
func SortByRetryLeft() SortRule {
	return func(a, b HandleSnapshot) int {
		return a.RetryLeft - b.RetryLeft
	}
}

// SortByDemand offers the largest demand first.
func SortByDemand() SortRule {
	return func(a, b HandleSnapshot) int {
		switch {
		case a.Task.TokenDemand > b.Task.TokenDemand:
			return -1
		case a.Task.TokenDemand < b.Task.TokenDemand:
			return 1
		}
		return 0
	}
}

func DefaultMatchRules() []MatchRule { return []MatchRule{MatchByModel(), MatchByToken()} }

func DefaultSortRules() []SortRule { return nil }

func DefaultSweepRules(timeout time.Duration) []SweepRule {
	return []SweepRule{GlobalTimeout(timeout)}
}

func matchAll(rules []MatchRule, req TaskRequest, task *Task) bool {
	for _, r := range rules {
		if !r(req, task) {
			return false
		}
	}
	return true
}

func compareAll(rules []SortRule, a, b HandleSnapshot) int {
	for _, r := range rules {
		if c := r(a, b); c != 0 {
			return c
		}
	}
	return 0
}

func sweepFirst(rules []SweepRule, h HandleSnapshot, now time.Time) SweepDecision {
	for _, r := range rules {
		if d := r(h, now); d.Remove {
			return d
		}
	}
	return SweepDecision{}
}
