package statestore

import (
	"context"
	"time"

	"github.com/gaspardpetit/plexchat/core/logx"
	"github.com/gaspardpetit/plexchat/internal/scheduler"
)

// Publisher saves a snapshot of the scheduler to a Store on every tick.
type Publisher struct {
	Store    Store
	Status   func() scheduler.Status
	Interval time.Duration
	Now      func() time.Time
}

// Snapshot builds the current snapshot without saving it.
func (p *Publisher) Snapshot() Snapshot {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return Snapshot{
		State:     GetState(),
		Draining:  IsDraining(),
		UpdatedAt: now().UTC(),
		Scheduler: p.Status(),
	}
}

// Publish saves one snapshot.
func (p *Publisher) Publish(ctx context.Context) error {
	return p.Store.Save(ctx, p.Snapshot())
}

// Run publishes until ctx is done, then publishes a last time.
func (p *Publisher) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := p.Publish(ctx); err != nil && ctx.Err() == nil {
			logx.Log.Warn().Err(err).Msg("status publish failed")
		}
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = p.Publish(final)
			cancel()
			return
		case <-t.C:
		}
	}
}
