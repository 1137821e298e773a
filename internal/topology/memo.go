package topology

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Memo runs an initializer at most once concurrently and caches its first
// successful result. A failed run is not cached; the next Get retries it.
type Memo[T any] struct {
	init  func(ctx context.Context) (T, error)
	group singleflight.Group

	mu    sync.RWMutex
	done  bool
	value T
}

// NewMemo wraps init in a memo cell.
func NewMemo[T any](init func(ctx context.Context) (T, error)) *Memo[T] {
	return &Memo[T]{init: init}
}

// Get returns the cached value, running the initializer if no run has
// succeeded yet. Concurrent callers share one in-flight run. A caller whose
// ctx ends stops waiting, but the shared run continues for the others.
func (m *Memo[T]) Get(ctx context.Context) (T, error) {
	if value, ok := m.cached(); ok {
		return value, nil
	}

	ch := m.group.DoChan("init", func() (interface{}, error) {
		if value, ok := m.cached(); ok {
			return value, nil
		}
		value, err := m.init(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.value, m.done = value, true
		m.mu.Unlock()
		return value, nil
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (m *Memo[T]) cached() (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.value, m.done
}
