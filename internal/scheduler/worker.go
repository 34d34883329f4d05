package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/plexchat/core/logx"
	"github.com/gaspardpetit/plexchat/internal/capacity"
	"github.com/gaspardpetit/plexchat/internal/metrics"
	"github.com/gaspardpetit/plexchat/internal/packing"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultConcurrency  = 10
)

// ProxyFunc performs one upstream call. It calls emit once per result
// (several times for streamed responses) and must return promptly once ctx
// is canceled.
type ProxyFunc func(ctx context.Context, input any, emit func(data any)) error

// LinearTimeout returns a per-attempt deadline of base plus perToken for
// every demanded token.
func LinearTimeout(base, perToken time.Duration) func(tokenDemand float64) time.Duration {
	return func(tokenDemand float64) time.Duration {
		return base + time.Duration(tokenDemand*float64(perToken))
	}
}

type WorkerConfig struct {
	ID                string
	Name              string
	Models            []string
	Concurrency       int
	ContextWindow     float64
	RequestsPerMinute float64
	TokensPerMinute   float64
	Timeout           func(tokenDemand float64) time.Duration
	Proxy             ProxyFunc
	// Packing, when set, makes the worker ask for a batch of tasks chosen
	// by the packing function instead of one task per poll.
	Packing      packing.Func
	PollInterval time.Duration
	Now          func() time.Time
	Metadata     map[string]any
}

type WorkerStatus struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name,omitempty"`
	Models                []string       `json:"models"`
	Concurrency           int            `json:"concurrency"`
	Running               int            `json:"running"`
	RequestsPerMinute     float64        `json:"requests_per_minute"`
	RequestsPerMinuteUsed int            `json:"requests_per_minute_used"`
	TokensPerMinute       float64        `json:"tokens_per_minute"`
	TokensPerMinuteUsed   float64        `json:"tokens_per_minute_used"`
	CoolDownUntil         *time.Time     `json:"cool_down_until,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

type runningTask struct {
	task    *Task
	cancel  context.CancelCauseFunc
	started time.Time
}

// descriptor is what a poll offers the manager; the poller only asks again
// when it changes.
type descriptor struct {
	tokens float64
	limit  int
}

// Worker runs tasks against one upstream deployment within its rate limits.
type Worker struct {
	cfg WorkerConfig

	pollMu sync.Mutex

	mu            sync.Mutex
	manager       WorkerManager
	running       []*runningTask
	records       []capacity.Record
	coolDownUntil time.Time
	stopPoll      chan struct{}
	last          descriptor
	hasLast       bool
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Proxy == nil {
		return nil, errors.New("worker proxy is required")
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("worker needs at least one model")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = math.Inf(1)
	}
	if cfg.Timeout == nil {
		cfg.Timeout = LinearTimeout(5*time.Second, 25*time.Millisecond)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{cfg: cfg}, nil
}

func (w *Worker) ID() string   { return w.cfg.ID }
func (w *Worker) Name() string { return w.cfg.Name }

// Start polls m once and keeps polling on every tick where the worker's
// offer changed. Calling Start on a polling worker only polls again.
func (w *Worker) Start(m WorkerManager) {
	w.mu.Lock()
	w.manager = m
	if w.stopPoll == nil {
		stop := make(chan struct{})
		w.stopPoll = stop
		go w.pollLoop(stop)
	}
	w.mu.Unlock()
	w.poll(true)
}

// Stop ends polling. Running tasks finish normally.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopPollLocked()
	w.mu.Unlock()
}

// AbortAll ends polling and cancels every running task as a caller abort.
func (w *Worker) AbortAll() {
	w.mu.Lock()
	w.stopPollLocked()
	tasks := append([]*runningTask(nil), w.running...)
	w.mu.Unlock()
	for _, rt := range tasks {
		rt.cancel(ErrCanceled)
	}
}

// Abort cancels the running tasks sel picks as caller aborts. Polling goes
// on for the remaining tasks in the pool, even when sel picks every running
// task; only AbortAll stops the poller.
func (w *Worker) Abort(sel TaskSelector) {
	w.cancelWhere(sel, ErrCanceled)
}

// Evict cancels the running tasks sel picks after the manager swept them.
func (w *Worker) Evict(sel TaskSelector) {
	w.cancelWhere(sel, ErrExpired)
}

func (w *Worker) cancelWhere(sel TaskSelector, cause error) {
	w.mu.Lock()
	var tasks []*runningTask
	for _, rt := range w.running {
		if sel(rt.task) {
			tasks = append(tasks, rt)
		}
	}
	w.mu.Unlock()
	for _, rt := range tasks {
		logx.Log.Debug().Str("worker", w.cfg.Name).Str("task_id", rt.task.ID).AnErr("cause", cause).Msg("aborting task")
		rt.cancel(cause)
	}
}

func (w *Worker) Status() WorkerStatus {
	now := w.cfg.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	usage := capacity.WindowedUsage(capacity.Window60s, w.records, now)
	st := WorkerStatus{
		ID:                    w.cfg.ID,
		Name:                  w.cfg.Name,
		Models:                append([]string(nil), w.cfg.Models...),
		Concurrency:           w.cfg.Concurrency,
		Running:               len(w.running),
		RequestsPerMinute:     w.cfg.RequestsPerMinute,
		RequestsPerMinuteUsed: usage.Requests,
		TokensPerMinute:       w.cfg.TokensPerMinute,
		TokensPerMinuteUsed:   usage.Tokens,
		Metadata:              w.cfg.Metadata,
	}
	if now.Before(w.coolDownUntil) {
		until := w.coolDownUntil
		st.CoolDownUntil = &until
	}
	return st
}

func (w *Worker) stopPollLocked() {
	if w.stopPoll != nil {
		close(w.stopPoll)
		w.stopPoll = nil
	}
	w.hasLast = false
}

func (w *Worker) pollLoop(stop <-chan struct{}) {
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			w.poll(false)
		}
	}
}

// poll asks the manager for work if the worker has capacity. Unless forced
// it only asks when its offer differs from the previous poll.
func (w *Worker) poll(force bool) {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	w.mu.Lock()
	m := w.manager
	req, limit := w.describeLocked(w.cfg.Now())
	d := descriptor{tokens: req.TokenCapacity, limit: limit}
	changed := !w.hasLast || d != w.last
	w.last, w.hasLast = d, true
	w.mu.Unlock()

	if m == nil || (!force && !changed) || req.TokenCapacity <= 0 {
		return
	}
	logx.Log.Debug().Str("worker", w.cfg.Name).Float64("capacity", req.TokenCapacity).Int("limit", limit).Msg("requesting task")

	if w.cfg.Packing != nil {
		for _, t := range m.RequestBatch(req, limit, w.cfg.Packing) {
			w.launch(m, t)
		}
		return
	}
	if t := m.Request(req); t != nil {
		w.launch(m, t)
	}
}

// describeLocked computes the worker's offer at now. Capacity is zero while
// cooling down, with every slot busy, or once the request budget is spent.
func (w *Worker) describeLocked(now time.Time) (TaskRequest, int) {
	w.records = capacity.Prune(w.records, now)
	req := TaskRequest{Models: w.cfg.Models, Metadata: w.cfg.Metadata}
	free := w.cfg.Concurrency - len(w.running)
	if now.Before(w.coolDownUntil) || free <= 0 {
		return req, 0
	}
	c := capacity.Available(w.cfg.RequestsPerMinute, w.cfg.TokensPerMinute, w.records, now)
	if c.Requests <= 0 || c.Tokens <= 0 {
		return req, 0
	}
	req.TokenCapacity = math.Min(w.cfg.ContextWindow, c.Tokens)
	return req, min(free, max(1, int(c.Requests)))
}

// launch charges the task against the windows before the call starts, so
// the next poll already sees it, then runs it in the background.
func (w *Worker) launch(m WorkerManager, t *Task) {
	ctx, cancel := context.WithCancelCause(context.Background())
	rt := &runningTask{task: t, cancel: cancel, started: time.Now()}

	w.mu.Lock()
	w.running = append(w.running, rt)
	w.records = append(w.records, capacity.Record{StartedAt: w.cfg.Now(), TokensDemanded: t.TokenDemand})
	running := len(w.running)
	w.mu.Unlock()

	metrics.RecordAdmission(w.cfg.Name, t.TokenDemand)
	metrics.SetWorkerRunning(w.cfg.Name, running)
	logx.Log.Debug().Str("worker", w.cfg.Name).Str("task_id", t.ID).Float64("demand", t.TokenDemand).Int("running", running).Msg("task started")
	go w.run(ctx, m, rt)
}

func (w *Worker) run(ctx context.Context, m WorkerManager, rt *runningTask) {
	t := rt.task
	timer := time.AfterFunc(w.cfg.Timeout(t.TokenDemand), func() { rt.cancel(ErrTimeout) })
	err := w.cfg.Proxy(ctx, t.Input, func(data any) {
		if err := m.Respond(t, data); err != nil {
			logx.Log.Debug().Str("worker", w.cfg.Name).Str("task_id", t.ID).Err(err).Msg("result dropped")
		}
	})
	timer.Stop()
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}
	rt.cancel(nil)

	w.mu.Lock()
	for i, r := range w.running {
		if r == rt {
			w.running = append(w.running[:i], w.running[i+1:]...)
			break
		}
	}
	running := len(w.running)
	var coolDown time.Duration
	if ra := RetryAfter(err); ra > 0 {
		coolDown = ra
		if until := w.cfg.Now().Add(ra); until.After(w.coolDownUntil) {
			w.coolDownUntil = until
		}
	}
	w.mu.Unlock()

	metrics.SetWorkerRunning(w.cfg.Name, running)
	metrics.ObserveAttempt(w.cfg.Name, attemptOutcome(err), time.Since(rt.started))
	if coolDown > 0 {
		metrics.RecordCooldown(w.cfg.Name)
		logx.Log.Warn().Str("worker", w.cfg.Name).Dur("cooldown", coolDown).Msg("rate limited, cooling down")
	}

	opts := CloseOptions{Err: err, ShouldRetry: IsRetryable(err)}
	if err != nil {
		logx.Log.Debug().Str("worker", w.cfg.Name).Str("task_id", t.ID).Bool("retry", opts.ShouldRetry).Err(err).Msg("attempt failed")
	}
	if cerr := m.Close(t, opts); cerr != nil {
		logx.Log.Debug().Str("worker", w.cfg.Name).Str("task_id", t.ID).Err(cerr).Msg("close ignored")
	}
	if !errors.Is(err, ErrCanceled) {
		w.Start(m)
	}
}

func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	case RetryAfter(err) > 0:
		return metrics.OutcomeRateLimited
	default:
		return outcomeFor(err)
	}
}
