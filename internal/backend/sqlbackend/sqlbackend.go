// Package sqlbackend is the SQL-backed State Backend alternative required
// by spec.md §2 item 1 ("a SQL-backed broker using a skip-locked claim
// pattern"). It targets PostgreSQL via pgx, grounded on the connection
// pooling pattern in
// TheEntropyCollective-noisefs/pkg/compliance/storage/postgres/database.go.
//
// The priority list is one table claimed with `FOR UPDATE SKIP LOCKED`
// inside a CTE so concurrent workers never contend on the same row; KV
// uses a plain table with a nullable expires_at; pub/sub rides Postgres
// LISTEN/NOTIFY on a dedicated pooled connection per subscription.
package sqlbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend is the Postgres-backed State Backend.
type Backend struct {
	pool   *pgxpool.Pool
	prefix string
	logger *slog.Logger
}

// Open connects to Postgres at dsn, applies the schema (idempotent), and
// returns a ready Backend. tablePrefix namespaces the two tables this
// backend owns so multiple deployments can share one database.
func Open(ctx context.Context, dsn, tablePrefix string, logger *slog.Logger) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	b := &Backend{pool: pool, prefix: tablePrefix, logger: logger}
	if err := b.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) queueTable() string { return b.prefix + "backend_queue" }
func (b *Backend) kvTable() string    { return b.prefix + "backend_kv" }

func (b *Backend) initSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			list_name TEXT NOT NULL,
			priority SMALLINT NOT NULL,
			payload BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, b.queueTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (list_name, priority DESC, id ASC);`,
			b.queueTable(), b.queueTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at TIMESTAMPTZ
		);`, b.kvTable()),
	}
	for _, stmt := range stmts {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const (
	priorityHigh int16 = 1
	priorityLow  int16 = 0
)

func (b *Backend) push(ctx context.Context, list string, item []byte, priority int16) error {
	_, err := b.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (list_name, priority, payload) VALUES ($1, $2, $3);`, b.queueTable()),
		list, priority, item,
	)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

func (b *Backend) PushFront(ctx context.Context, list string, item []byte) error {
	return b.push(ctx, list, item, priorityHigh)
}

func (b *Backend) PushBack(ctx context.Context, list string, item []byte) error {
	return b.push(ctx, list, item, priorityLow)
}

// claim atomically removes and returns the highest-priority, oldest
// eligible row for list using FOR UPDATE SKIP LOCKED so concurrent
// workers never block on each other.
func (b *Backend) claim(ctx context.Context, list string) ([]byte, error) {
	query := fmt.Sprintf(`
		WITH next AS (
			SELECT id FROM %[1]s
			WHERE list_name = $1
			ORDER BY priority DESC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		DELETE FROM %[1]s WHERE id IN (SELECT id FROM next)
		RETURNING payload;
	`, b.queueTable())

	var payload []byte
	err := b.pool.QueryRow(ctx, query, list).Scan(&payload)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim: %w", err)
	}
	return payload, nil
}

const pollInterval = 100 * time.Millisecond

// BlockingPopTail polls claim at pollInterval until an item is available,
// ctx is canceled, or timeout elapses (timeout <= 0 means no deadline).
func (b *Backend) BlockingPopTail(ctx context.Context, list string, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		item, err := b.claim(ctx, list)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now());`, b.kvTable())
	err := b.pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	return value, nil
}

func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at;
	`, b.kvTable())
	if _, err := b.pool.Exec(ctx, query, key, value, expiresAt); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1;`, b.kvTable())
	if _, err := b.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (b *Backend) Publish(ctx context.Context, channel string, message []byte) error {
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2);`, channel, string(message)); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe dedicates one pooled connection to LISTEN on channel for the
// lifetime of the subscription. The returned unsubscribe function
// releases the connection back to the pool.
func (b *Backend) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire subscriber conn: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(`LISTEN %q;`, channel)); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("listen: %w", err)
	}

	out := make(chan []byte, 64)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			select {
			case out <- []byte(notification.Payload):
			default:
				if b.logger != nil {
					b.logger.Warn("sqlbackend_publish_dropped", "channel", channel)
				}
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		conn.Release()
	}
	return out, unsubscribe, nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
