package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/plexchat/core/logx"
	"github.com/gaspardpetit/plexchat/internal/metrics"
	"github.com/gaspardpetit/plexchat/internal/packing"
)

const (
	DefaultMaxRetry      = 3
	DefaultTaskTimeout   = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Second
	MinSweepInterval     = 100 * time.Millisecond
	// MaxPackCandidates bounds the pending tasks handed to a packing function.
	MaxPackCandidates = 16
)

// WorkerManager is the side of the Manager that workers talk to.
type WorkerManager interface {
	Request(req TaskRequest) *Task
	RequestBatch(req TaskRequest, limit int, pack packing.Func) []*Task
	Respond(task *Task, data any) error
	Close(task *Task, opts CloseOptions) error
}

// WorkerRef is the side of a worker that the Manager drives.
type WorkerRef interface {
	Start(m WorkerManager)
	Stop()
	AbortAll()
	Abort(sel TaskSelector)
	Evict(sel TaskSelector)
	Status() WorkerStatus
}

// CloseOptions reports the outcome of one attempt.
type CloseOptions struct {
	Err         error
	ShouldRetry bool
}

type ManagerConfig struct {
	Workers []WorkerRef
	// MaxRetry is the number of retries after the first attempt. Zero selects
	// DefaultMaxRetry, a negative value disables retries.
	MaxRetry      int
	TaskTimeout   time.Duration
	SweepInterval time.Duration
	Now           func() time.Time

	OnInitMatchRules func(defaults []MatchRule) []MatchRule
	OnInitSortRules  func(defaults []SortRule) []SortRule
	OnInitSweepRules func(defaults []SweepRule) []SweepRule
}

type ManagerStatus struct {
	PendingTasks int `json:"pending_tasks"`
	RunningTasks int `json:"running_tasks"`
}

type Status struct {
	Manager ManagerStatus  `json:"manager"`
	Workers []WorkerStatus `json:"workers"`
}

type handle struct {
	task      *Task
	stream    *Stream
	running   bool
	retryLeft int
	createdAt time.Time
	delivered bool
}

func (h *handle) snapshot() HandleSnapshot {
	return HandleSnapshot{Task: h.task, Running: h.running, RetryLeft: h.retryLeft, CreatedAt: h.createdAt}
}

// Manager owns the pool of submitted tasks and hands them to workers.
type Manager struct {
	workers    []WorkerRef
	maxRetry   int
	now        func() time.Time
	matchRules []MatchRule
	sortRules  []SortRule
	sweepRules []SweepRule

	mu     sync.Mutex
	pool   []*handle
	closed bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

func NewManager(cfg ManagerConfig) *Manager {
	maxRetry := cfg.MaxRetry
	switch {
	case maxRetry == 0:
		maxRetry = DefaultMaxRetry
	case maxRetry < 0:
		maxRetry = 0
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if interval < MinSweepInterval {
		interval = MinSweepInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		workers:    cfg.Workers,
		maxRetry:   maxRetry,
		now:        now,
		matchRules: DefaultMatchRules(),
		sortRules:  DefaultSortRules(),
		sweepRules: DefaultSweepRules(timeout),
		stopSweep:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	if cfg.OnInitMatchRules != nil {
		m.matchRules = cfg.OnInitMatchRules(m.matchRules)
	}
	if cfg.OnInitSortRules != nil {
		m.sortRules = cfg.OnInitSortRules(m.sortRules)
	}
	if cfg.OnInitSweepRules != nil {
		m.sweepRules = cfg.OnInitSweepRules(m.sweepRules)
	}
	go m.sweepLoop(interval)
	return m
}

// Submit queues task and returns the stream its results arrive on. The
// task gets a fresh ID when it has none.
func (m *Manager) Submit(task Task) *Stream {
	t := &task
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	stream := newStream()
	h := &handle{task: t, stream: stream, retryLeft: m.maxRetry, createdAt: m.now()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		stream.finish(ErrShutdown)
		return stream
	}
	m.pool = append(m.pool, h)
	pending, running := m.countLocked()
	m.mu.Unlock()

	metrics.RecordSubmitted()
	metrics.SetPoolSize(pending, running)
	logx.Log.Debug().Str("task_id", t.ID).Float64("demand", t.TokenDemand).Strs("models", t.Models).
		Int("pending", pending).Int("running", running).Msg("task submitted")
	m.announce()
	return stream
}

// Request hands the first pending task, in sort order, that passes every
// match rule to the asking worker and marks it running.
func (m *Manager) Request(req TaskRequest) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pool) == 0 {
		logx.Log.Debug().Msg("no tasks left, stopping workers")
		// Stop only touches worker-local state, so it is safe under the pool lock.
		for _, w := range m.workers {
			w.Stop()
		}
		return nil
	}
	for _, h := range m.pendingLocked() {
		if matchAll(m.matchRules, req, h.task) {
			h.running = true
			m.publishLocked()
			return h.task
		}
	}
	return nil
}

// RequestBatch hands up to limit matching tasks whose combined demand fits
// req.TokenCapacity, chosen by pack among the first MaxPackCandidates
// matching tasks in sort order.
func (m *Manager) RequestBatch(req TaskRequest, limit int, pack packing.Func) []*Task {
	if limit <= 0 {
		return nil
	}
	if pack == nil {
		if t := m.Request(req); t != nil {
			return []*Task{t}
		}
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pool) == 0 {
		for _, w := range m.workers {
			w.Stop()
		}
		return nil
	}
	var candidates []*handle
	for _, h := range m.pendingLocked() {
		if matchAll(m.matchRules, req, h.task) {
			candidates = append(candidates, h)
			if len(candidates) == MaxPackCandidates {
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	demands := make([]float64, len(candidates))
	for i, h := range candidates {
		demands[i] = h.task.TokenDemand
	}
	var tasks []*Task
	for _, i := range pack(req.TokenCapacity, demands) {
		if len(tasks) == limit {
			break
		}
		candidates[i].running = true
		tasks = append(tasks, candidates[i].task)
	}
	m.publishLocked()
	return tasks
}

// Respond delivers one result of a running task to its caller.
func (m *Manager) Respond(task *Task, data any) error {
	m.mu.Lock()
	h := m.findLocked(task)
	if h != nil {
		h.delivered = true
	}
	m.mu.Unlock()
	if h == nil {
		logx.Log.Debug().Str("task_id", task.ID).Msg("respond for unknown task")
		return ErrUnknownTask
	}
	h.stream.push(data)
	return nil
}

// Close ends one attempt of task. A retryable failure puts the task back
// at the end of the pool, keeping its creation time, until its retries run
// out. An attempt that already delivered data is never retried.
func (m *Manager) Close(task *Task, opts CloseOptions) error {
	m.mu.Lock()
	h := m.findLocked(task)
	if h == nil {
		m.mu.Unlock()
		logx.Log.Debug().Str("task_id", task.ID).AnErr("err", opts.Err).Msg("close for unknown task")
		return ErrUnknownTask
	}
	h.running = false
	var (
		final   error
		outcome string
		requeue bool
	)
	switch {
	case opts.Err == nil:
		outcome = metrics.OutcomeSuccess
	case !opts.ShouldRetry || h.delivered:
		final = opts.Err
		outcome = outcomeFor(opts.Err)
	case h.retryLeft <= 0:
		final = fmt.Errorf("%w: %w", ErrRetriesExhausted, opts.Err)
		outcome = metrics.OutcomeExhausted
	case m.closed:
		final = fmt.Errorf("%w: %w", ErrShutdown, opts.Err)
		outcome = metrics.OutcomeShutdown
	default:
		h.retryLeft--
		m.removeLocked(h)
		m.pool = append(m.pool, h)
		requeue = true
	}
	if !requeue {
		m.removeLocked(h)
	}
	pending, running := m.countLocked()
	m.mu.Unlock()

	metrics.SetPoolSize(pending, running)
	if requeue {
		metrics.RecordRetry()
		logx.Log.Warn().Str("task_id", task.ID).Int("retry_left", h.retryLeft).Err(opts.Err).Msg("task requeued")
		m.announce()
		return nil
	}
	metrics.RecordOutcome(outcome)
	if final != nil && outcome != metrics.OutcomeCanceled {
		logx.Log.Error().Str("task_id", task.ID).Err(final).Msg("task failed")
	}
	logx.Log.Info().Int("pending", pending).Int("running", running).Msg("task closed")
	h.stream.finish(final)
	return nil
}

// AbortAll drops every pending task and aborts every running one.
func (m *Manager) AbortAll() {
	m.dropPending(SelectAll)
	for _, w := range m.workers {
		w.AbortAll()
	}
}

// Abort drops the pending tasks sel picks and aborts the running ones.
// Running tasks end once their worker observes the cancellation.
func (m *Manager) Abort(sel TaskSelector) {
	m.dropPending(sel)
	for _, w := range m.workers {
		w.Abort(sel)
	}
}

// AbortHandle aborts every task tagged with handle.
func (m *Manager) AbortHandle(handle string) {
	logx.Log.Info().Str("abort_handle", handle).Msg("abort requested")
	m.Abort(SelectAbortHandle(handle))
}

func (m *Manager) dropPending(sel TaskSelector) {
	m.mu.Lock()
	var dropped []*handle
	kept := m.pool[:0]
	for _, h := range m.pool {
		if !h.running && sel(h.task) {
			dropped = append(dropped, h)
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(m.pool); i++ {
		m.pool[i] = nil
	}
	m.pool = kept
	pending, running := m.countLocked()
	m.mu.Unlock()

	metrics.SetPoolSize(pending, running)
	for _, h := range dropped {
		metrics.RecordOutcome(metrics.OutcomeCanceled)
		h.stream.finish(ErrCanceled)
	}
}

// Status reports pool counts and each worker's usage.
func (m *Manager) Status() Status {
	m.mu.Lock()
	pending, running := m.countLocked()
	m.mu.Unlock()
	st := Status{
		Manager: ManagerStatus{PendingTasks: pending, RunningTasks: running},
		Workers: make([]WorkerStatus, 0, len(m.workers)),
	}
	for _, w := range m.workers {
		st.Workers = append(st.Workers, w.Status())
	}
	return st
}

// Shutdown stops the sweep loop, fails pending tasks with ErrShutdown and
// aborts running ones. Later submissions fail immediately.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var pending []*handle
	kept := m.pool[:0]
	for _, h := range m.pool {
		if h.running {
			kept = append(kept, h)
		} else {
			pending = append(pending, h)
		}
	}
	m.pool = kept
	m.mu.Unlock()

	close(m.stopSweep)
	<-m.sweepDone
	for _, h := range pending {
		metrics.RecordOutcome(metrics.OutcomeShutdown)
		h.stream.finish(ErrShutdown)
	}
	for _, w := range m.workers {
		w.AbortAll()
	}
	logx.Log.Info().Int("dropped", len(pending)).Msg("scheduler shut down")
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer close(m.sweepDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

// sweep evicts the tasks a sweep rule removes, whatever their retry budget
// or running state.
func (m *Manager) sweep() {
	now := m.now()
	type eviction struct {
		h      *handle
		reason string
	}
	var evicted []eviction
	m.mu.Lock()
	kept := m.pool[:0]
	for _, h := range m.pool {
		if d := sweepFirst(m.sweepRules, h.snapshot(), now); d.Remove {
			evicted = append(evicted, eviction{h: h, reason: d.Reason})
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(m.pool); i++ {
		m.pool[i] = nil
	}
	m.pool = kept
	pending, running := m.countLocked()
	m.mu.Unlock()
	if len(evicted) == 0 {
		return
	}

	metrics.SetPoolSize(pending, running)
	inflight := make(map[*Task]struct{})
	for _, e := range evicted {
		logx.Log.Warn().Str("task_id", e.h.task.ID).Bool("running", e.h.running).Str("reason", e.reason).Msg("task swept")
		metrics.RecordSweepEviction()
		metrics.RecordOutcome(metrics.OutcomeExpired)
		e.h.stream.finish(fmt.Errorf("%w: %s", ErrExpired, e.reason))
		if e.h.running {
			inflight[e.h.task] = struct{}{}
		}
	}
	if len(inflight) > 0 {
		sel := selectTasks(inflight)
		for _, w := range m.workers {
			w.Evict(sel)
		}
	}
}

func (m *Manager) announce() {
	for _, w := range m.workers {
		w.Start(m)
	}
}

// pendingLocked returns the tasks not running, in offer order.
func (m *Manager) pendingLocked() []*handle {
	var pending []*handle
	for _, h := range m.pool {
		if !h.running {
			pending = append(pending, h)
		}
	}
	if len(m.sortRules) > 0 {
		sort.SliceStable(pending, func(i, j int) bool {
			return compareAll(m.sortRules, pending[i].snapshot(), pending[j].snapshot()) < 0
		})
	}
	return pending
}

func (m *Manager) findLocked(task *Task) *handle {
	for _, h := range m.pool {
		if h.task == task {
			return h
		}
	}
	return nil
}

func (m *Manager) removeLocked(target *handle) {
	for i, h := range m.pool {
		if h == target {
			copy(m.pool[i:], m.pool[i+1:])
			m.pool[len(m.pool)-1] = nil
			m.pool = m.pool[:len(m.pool)-1]
			return
		}
	}
}

func (m *Manager) countLocked() (pending, running int) {
	for _, h := range m.pool {
		if h.running {
			running++
		} else {
			pending++
		}
	}
	return pending, running
}

func (m *Manager) publishLocked() {
	metrics.SetPoolSize(m.countLocked())
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrCanceled):
		return metrics.OutcomeCanceled
	case errors.Is(err, ErrExpired):
		return metrics.OutcomeExpired
	default:
		return metrics.OutcomeFailed
	}
}
