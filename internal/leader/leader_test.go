package leader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arosenfeld2003/fanout/internal/metrics"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

var fastOptions = Options{TTL: 60 * time.Millisecond, Retry: 10 * time.Millisecond}

func runAsync(ctx context.Context, l *Lock, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, fn) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDialInvalidURL(t *testing.T) {
	_, err := Dial(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	_, mr := setupRedis(t)
	client, err := Dial(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	_ = client.Close()
}

func TestRunHoldsAndReleasesLock(t *testing.T) {
	client, mr := setupRedis(t)
	m := metrics.New(prometheus.NewRegistry())
	l := New(client, "reconciler", fastOptions, m, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := runAsync(ctx, l, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("lock not acquired")
	}
	assert.True(t, mr.Exists("fanout:lock:reconciler"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcquiredLock.WithLabelValues("reconciler")))

	// Outlive several TTLs; renewal keeps the key.
	time.Sleep(3 * fastOptions.TTL)
	assert.True(t, mr.Exists("fanout:lock:reconciler"))

	cancel()
	waitDone(t, done)
	assert.False(t, mr.Exists("fanout:lock:reconciler"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AcquiredLock.WithLabelValues("reconciler")))
}

func TestRunWaitsForHolder(t *testing.T) {
	client, mr := setupRedis(t)
	require.NoError(t, mr.Set("fanout:lock:reconciler", "someone-else"))

	l := New(client, "reconciler", fastOptions, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acquired := make(chan struct{})
	done := runAsync(ctx, l, func(ctx context.Context) error {
		close(acquired)
		<-ctx.Done()
		return nil
	})

	select {
	case <-acquired:
		t.Fatal("acquired a lock held by another node")
	case <-time.After(50 * time.Millisecond):
	}

	mr.Del("fanout:lock:reconciler")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not acquired after release")
	}
	cancel()
	waitDone(t, done)
}

func TestLostLockCancelsWork(t *testing.T) {
	client, mr := setupRedis(t)
	l := New(client, "reconciler", fastOptions, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := make(chan struct{}, 4)
	lost := make(chan struct{}, 4)
	done := runAsync(ctx, l, func(ctx context.Context) error {
		runs <- struct{}{}
		<-ctx.Done()
		lost <- struct{}{}
		return nil
	})

	<-runs
	require.NoError(t, mr.Set("fanout:lock:reconciler", "stolen"))

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("work not cancelled after losing the lock")
	}
	assert.Equal(t, "stolen", mustGet(t, mr, "fanout:lock:reconciler"), "release must not delete another holder's key")

	mr.Del("fanout:lock:reconciler")
	select {
	case <-runs:
	case <-time.After(time.Second):
		t.Fatal("lock not reacquired")
	}
	cancel()
	waitDone(t, done)
}

func TestWorkErrorRetries(t *testing.T) {
	client, _ := setupRedis(t)
	l := New(client, "reconciler", fastOptions, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 8)
	done := runAsync(ctx, l, func(context.Context) error {
		calls <- struct{}{}
		return errors.New("boom")
	})
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("work not retried")
		}
	}
	cancel()
	waitDone(t, done)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
