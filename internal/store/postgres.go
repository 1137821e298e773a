package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/fanout/internal/subscription"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	PingTimeout  time.Duration
}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenPostgres connects, checks the connection and returns a store. Call
// Migrate before first use.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, log zerolog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return NewPostgres(db, log), nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB, log zerolog.Logger) *Postgres {
	return &Postgres{db: db, log: log}
}

// DB exposes the handle for health checks.
func (p *Postgres) DB() *sql.DB { return p.db }

// Close closes the pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, in file name order.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return err
		}
		if err := p.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name)
			return err
		}); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		p.log.Info().Str("migration", name).Msg("migration applied")
	}
	return nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *Postgres) ListNames(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT name FROM subscriptions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list subscription names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (p *Postgres) GetLatest(ctx context.Context, name string) (subscription.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, version, types, endpoint, active, created_at
		FROM subscriptions
		WHERE name = $1
		ORDER BY version`, name)
	if err != nil {
		return subscription.Subscription{}, fmt.Errorf("get subscription %q: %w", name, err)
	}
	defer rows.Close()

	var records []subscription.Record
	for rows.Next() {
		var rec subscription.Record
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Version, pq.Array(&rec.Types),
			&rec.Endpoint, &rec.Active, &rec.CreatedAt); err != nil {
			return subscription.Subscription{}, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return subscription.Subscription{}, err
	}

	sub, ok := subscription.Fold(records)
	if !ok {
		return subscription.Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (p *Postgres) Insert(ctx context.Context, rec subscription.Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, name, version, types, endpoint, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Name, rec.Version, pq.Array(rec.Types), rec.Endpoint, rec.Active, rec.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert subscription %q v%d: %w", rec.Name, rec.Version, err)
	}
	return nil
}

func (p *Postgres) Deactivate(ctx context.Context, name string, belowVersion int) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE subscriptions SET active = FALSE WHERE name = $1 AND version < $2 AND active`,
		name, belowVersion)
	if err != nil {
		return fmt.Errorf("deactivate subscription %q: %w", name, err)
	}
	return nil
}

func (p *Postgres) SaveFailed(ctx context.Context, ev FailedEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Status == "" {
		ev.Status = StatusUnresolved
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO failed_events
			(id, subscription_name, message_id, event_type, content_type, payload, attempts, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.Subscription, ev.MessageID, ev.Type, ev.ContentType, ev.Payload, ev.Attempts,
		string(ev.Status), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("save failed event: %w", err)
	}
	return nil
}

const failedColumns = `id, subscription_name, message_id, event_type, content_type, payload,
	attempts, status, created_at, resolved_at`

func (p *Postgres) ListFailed(ctx context.Context, name string) ([]FailedEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+failedColumns+`
		FROM failed_events
		WHERE subscription_name = $1 AND status = 'unresolved'
		ORDER BY created_at`, name)
	if err != nil {
		return nil, fmt.Errorf("list failed events: %w", err)
	}
	defer rows.Close()

	var out []FailedEvent
	for rows.Next() {
		ev, err := scanFailed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) GetFailed(ctx context.Context, id uuid.UUID) (FailedEvent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+failedColumns+` FROM failed_events WHERE id = $1`, id)
	ev, err := scanFailed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FailedEvent{}, ErrNotFound
	}
	if err != nil {
		return FailedEvent{}, fmt.Errorf("get failed event %s: %w", id, err)
	}
	return ev, nil
}

func (p *Postgres) ResolveFailed(ctx context.Context, id uuid.UUID, status Status, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE failed_events SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'unresolved'`, id, string(status), at)
	if err != nil {
		return fmt.Errorf("resolve failed event %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := p.GetFailed(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyResolved
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFailed(s scanner) (FailedEvent, error) {
	var (
		ev       FailedEvent
		status   string
		resolved sql.NullTime
	)
	if err := s.Scan(&ev.ID, &ev.Subscription, &ev.MessageID, &ev.Type, &ev.ContentType, &ev.Payload,
		&ev.Attempts, &status, &ev.CreatedAt, &resolved); err != nil {
		return FailedEvent{}, err
	}
	ev.Status = Status(status)
	if resolved.Valid {
		t := resolved.Time
		ev.ResolvedAt = &t
	}
	return ev, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

var _ Store = (*Postgres)(nil)
