// Package leader runs work on a single node at a time using a Redis lock.
package leader

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/fanout/internal/metrics"
)

const (
	DefaultTTL   = 30 * time.Second
	DefaultRetry = 5 * time.Second
)

// renewScript extends the key only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Dial parses a redis:// URL and checks the connection.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Options tunes a Lock.
type Options struct {
	// TTL is how long the key lives without renewal. Renewal runs every TTL/3.
	TTL time.Duration
	// Retry is the pause between acquisition attempts.
	Retry time.Duration
}

// Lock is a named, renewable Redis lock.
type Lock struct {
	client  redis.Cmdable
	name    string
	key     string
	ttl     time.Duration
	retry   time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New returns a lock on key "fanout:lock:<name>".
func New(client redis.Cmdable, name string, opts Options, m *metrics.Metrics, log zerolog.Logger) *Lock {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Retry <= 0 {
		opts.Retry = DefaultRetry
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Lock{
		client:  client,
		name:    name,
		key:     "fanout:lock:" + name,
		ttl:     opts.TTL,
		retry:   opts.Retry,
		metrics: m,
		log:     log.With().Str("lock", name).Logger(),
	}
}

// Run calls fn whenever this node holds the lock, until ctx ends. The context
// passed to fn is cancelled when the lock is lost. After fn returns the lock
// is released and, if ctx is still live, acquisition starts over.
func (l *Lock) Run(ctx context.Context, fn func(context.Context) error) error {
	for {
		token := uuid.NewString()
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			l.log.Warn().Err(err).Msg("lock acquisition failed")
		case ok:
			if err := l.hold(ctx, token, fn); err != nil && ctx.Err() == nil {
				l.log.Error().Err(err).Msg("leader work ended with error")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retry):
		}
	}
}

func (l *Lock) hold(ctx context.Context, token string, fn func(context.Context) error) error {
	gauge := l.metrics.AcquiredLock.WithLabelValues(l.name)
	gauge.Set(1)
	defer gauge.Set(0)
	l.log.Info().Msg("lock acquired")

	workCtx, cancel := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(workCtx, cancel, token)
	}()

	err := fn(workCtx)
	cancel()
	<-renewed

	releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), l.ttl)
	defer done()
	if rerr := releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err(); rerr != nil {
		l.log.Warn().Err(rerr).Msg("lock release failed")
	} else {
		l.log.Info().Msg("lock released")
	}
	return err
}

// renew extends the lock every ttl/3 and cancels the work when it cannot.
func (l *Lock) renew(ctx context.Context, lost context.CancelFunc, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := renewScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
		if ctx.Err() != nil {
			return
		}
		if err != nil || n == 0 {
			l.log.Warn().Err(err).Msg("lock lost")
			lost()
			return
		}
	}
}
