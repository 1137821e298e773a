package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/arosenfeld2003/fanout/internal/admin"
	"github.com/arosenfeld2003/fanout/internal/api"
	"github.com/arosenfeld2003/fanout/internal/broker"
	"github.com/arosenfeld2003/fanout/internal/config"
	"github.com/arosenfeld2003/fanout/internal/delivery"
	"github.com/arosenfeld2003/fanout/internal/leader"
	"github.com/arosenfeld2003/fanout/internal/logger"
	"github.com/arosenfeld2003/fanout/internal/metrics"
	"github.com/arosenfeld2003/fanout/internal/pubsub"
	"github.com/arosenfeld2003/fanout/internal/reconcile"
	"github.com/arosenfeld2003/fanout/internal/store"
	"github.com/arosenfeld2003/fanout/internal/topology"
)

const shutdownTimeout = 10 * time.Second

// app is the wired service minus its network listeners.
type app struct {
	transport  *pubsub.Transport
	reconciler *reconcile.Reconciler
	lock       *leader.Lock
	handler    http.Handler
}

// deps are the connections newApp wires together.
type deps struct {
	broker   broker.Broker
	store    store.Store
	redis    *redis.Client
	checks   map[string]api.Check
	registry *prometheus.Registry
}

func newApp(cfg *config.Config, d deps) *app {
	m := metrics.New(d.registry)

	topo := topology.New(d.broker, topology.Options{
		Exchange:  cfg.Exchange,
		Rungs:     cfg.RetryRungs,
		RetryBase: cfg.RetryBase,
	}, logger.Component("topology"))
	transport := pubsub.New(d.broker, topo, m, logger.Component("transport"))

	sender := delivery.NewHTTP(cfg.DeliveryTimeout)
	handler := reconcile.DeliveryHandler(sender, m, logger.Component("delivery"))
	reconciler := reconcile.New(d.store, transport, handler, m, logger.Component("reconciler"), cfg.PollInterval)

	var lock *leader.Lock
	if d.redis != nil {
		lock = leader.New(d.redis, "reconciler", leader.Options{TTL: cfg.LockTTL, Retry: cfg.PollInterval}, m, logger.Component("leader"))
	}

	srv := api.New(api.Options{
		Publisher:     transport,
		Subscriptions: admin.NewSubscriptions(d.store, logger.Component("admin")),
		FailedEvents:  admin.NewFailedEvents(transport, d.store, d.store, sender, logger.Component("admin")),
		Metrics:       m,
		Gatherer:      d.registry,
		Checks:        d.checks,
		Logger:        logger.Component("api"),
	})

	return &app{
		transport:  transport,
		reconciler: reconciler,
		lock:       lock,
		handler:    srv.Router(),
	}
}

// runReconciler reconciles until ctx ends, under the leader lock when one is
// configured.
func (a *app) runReconciler(ctx context.Context) error {
	if a.lock == nil {
		return a.reconciler.Run(ctx)
	}
	return a.lock.Run(ctx, a.reconciler.Run)
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	log := logger.Setup(logger.Config{
		Verbose:   cfg.Verbose,
		Level:     cfg.LogLevel,
		Component: "fanout",
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("fanout stopped")
	}
	log.Info().Msg("fanout stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rmq, err := broker.NewRabbitMQWithLogger(ctx, broker.RabbitMQConfig{
		URL:               cfg.RabbitMQURL,
		ConnectionName:    "fanout",
		PrefetchCount:     cfg.Prefetch,
		PublisherConfirms: cfg.PublisherConfirms,
	}, logger.Component("broker"))
	if err != nil {
		return err
	}
	defer rmq.Close()

	checks := map[string]api.Check{"rabbitmq": rmq.Ping}
	var st store.Store = store.NewMemory()
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, store.PostgresConfig{URL: cfg.DatabaseURL, MaxOpenConns: 10, MaxIdleConns: 2}, logger.Component("store"))
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st = pg
		checks["database"] = func(ctx context.Context) error { return pg.DB().PingContext(ctx) }
	} else {
		log.Warn().Msg("no database-url, subscriptions are kept in memory")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = leader.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	a := newApp(cfg, deps{broker: rmq, store: st, redis: rdb, checks: checks, registry: registry})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runReconciler(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Listen).Msg("http server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-rmq.Lost():
			return fmt.Errorf("broker: %w", rmq.Err())
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
