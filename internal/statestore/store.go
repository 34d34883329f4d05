package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/gaspardpetit/plexchat/internal/scheduler"
)

// Snapshot is the published view of the server and its scheduler.
type Snapshot struct {
	State     string           `json:"state"`
	Draining  bool             `json:"draining"`
	UpdatedAt time.Time        `json:"updated_at"`
	Scheduler scheduler.Status `json:"scheduler"`
}

// Store keeps the latest snapshot.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
}

type memoryStore struct {
	mu   sync.RWMutex
	snap Snapshot
}

func NewMemoryStore() Store {
	return &memoryStore{snap: Snapshot{State: "not_ready"}}
}

func (m *memoryStore) Load(context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap, nil
}

func (m *memoryStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	m.snap = s
	m.mu.Unlock()
	return nil
}
