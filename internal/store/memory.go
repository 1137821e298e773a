package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arosenfeld2003/fanout/internal/subscription"
)

// Memory is an in-process Store used when no database is configured.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]subscription.Record
	failed map[uuid.UUID]FailedEvent
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		subs:   map[string][]subscription.Record{},
		failed: map[uuid.UUID]FailedEvent{},
	}
}

func (m *Memory) ListNames(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.subs))
	for name := range m.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) GetLatest(_ context.Context, name string) (subscription.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := subscription.Fold(m.subs[name])
	if !ok {
		return subscription.Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (m *Memory) Insert(_ context.Context, rec subscription.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.subs[rec.Name] {
		if existing.Version == rec.Version {
			return ErrConflict
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Types = append([]string(nil), rec.Types...)
	m.subs[rec.Name] = append(m.subs[rec.Name], rec)
	return nil
}

func (m *Memory) Deactivate(_ context.Context, name string, belowVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.subs[name]
	for i := range records {
		if records[i].Version < belowVersion {
			records[i].Active = false
		}
	}
	return nil
}

// Records returns a copy of the stored versions of name.
func (m *Memory) Records(name string) []subscription.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]subscription.Record(nil), m.subs[name]...)
}

func (m *Memory) SaveFailed(_ context.Context, ev FailedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Status == "" {
		ev.Status = StatusUnresolved
	}
	m.failed[ev.ID] = ev
	return nil
}

func (m *Memory) ListFailed(_ context.Context, name string) ([]FailedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []FailedEvent
	for _, ev := range m.failed {
		if ev.Subscription == name && ev.Status == StatusUnresolved {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetFailed(_ context.Context, id uuid.UUID) (FailedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.failed[id]
	if !ok {
		return FailedEvent{}, ErrNotFound
	}
	return ev, nil
}

func (m *Memory) ResolveFailed(_ context.Context, id uuid.UUID, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.failed[id]
	if !ok {
		return ErrNotFound
	}
	if ev.Status != StatusUnresolved {
		return ErrAlreadyResolved
	}
	ev.Status = status
	ev.ResolvedAt = &at
	m.failed[id] = ev
	return nil
}

var _ Store = (*Memory)(nil)
