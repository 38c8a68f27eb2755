package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName = "n2j_queue"
	postgresCacheTableName = "n2j_cache"
	postgresDialTimeout    = 5 * time.Second
)

// postgresConn backs one partition with a pair of Postgres tables shared by
// all partitions and scoped by a partition column. Queue rows are ordered by
// a serial position: inserts land at the logical head, consumers take the
// lowest position, which preserves the FIFO discipline of the Redis backend.
type postgresConn struct {
	db        *sql.DB
	partition int
	closed    atomic.Bool
}

// NewPostgresOpener returns an Opener backed by the Postgres server named by
// dsn. Tables are created on first open.
func NewPostgresOpener(dsn string) (Opener, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalidInput)
	}
	return func(ctx context.Context, partition int) (PartitionConn, error) {
		if partition < 0 {
			return nil, fmt.Errorf("%w: negative partition %d", ErrInvalidInput, partition)
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		openCtx, cancel := context.WithTimeout(ctx, postgresDialTimeout)
		defer cancel()
		if err := db.PingContext(openCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres partition %d: %w", partition, err)
		}
		if err := ensurePostgresTables(openCtx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &postgresConn{db: db, partition: partition}, nil
	}, nil
}

func ensurePostgresTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				position BIGSERIAL PRIMARY KEY,
				partition INTEGER NOT NULL,
				queue_name TEXT NOT NULL,
				message TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQueueTableName),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				partition INTEGER NOT NULL,
				cache_key TEXT NOT NULL,
				value TEXT NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (partition, cache_key)
			)`, postgresCacheTableName),
	}
	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (c *postgresConn) Push(ctx context.Context, queue string, message []byte) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (partition, queue_name, message) VALUES ($1, $2, $3)",
		postgresQueueTableName)
	_, err := c.db.ExecContext(ctx, query, c.partition, queue, string(message))
	return err
}

func (c *postgresConn) Length(ctx context.Context, queue string) (int64, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE partition = $1 AND queue_name = $2",
		postgresQueueTableName)
	var count int64
	if err := c.db.QueryRowContext(ctx, query, c.partition, queue).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *postgresConn) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (partition, cache_key, value, expires_at)
		VALUES ($1, $2, $3, NOW() + $4 * INTERVAL '1 second')
		ON CONFLICT (partition, cache_key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		postgresCacheTableName)
	_, err := c.db.ExecContext(ctx, query, c.partition, key, string(value), int64(ttl.Seconds()))
	return err
}

func (c *postgresConn) Get(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(
		"SELECT value FROM %s WHERE partition = $1 AND cache_key = $2 AND expires_at > NOW()",
		postgresCacheTableName)
	var value string
	err := c.db.QueryRowContext(ctx, query, c.partition, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (c *postgresConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *postgresConn) Ready() bool {
	return !c.closed.Load()
}

func (c *postgresConn) Close() error {
	c.closed.Store(true)
	return c.db.Close()
}
