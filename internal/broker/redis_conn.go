package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDialTimeout = 5 * time.Second

// redisConn backs one partition with one Redis logical database. The
// partition number is the Redis DB index, so tenants sharing a server are
// still isolated from each other's keyspaces.
type redisConn struct {
	client *redis.Client
	closed atomic.Bool
}

// NewRedisOpener returns an Opener that connects to the Redis server named
// by dsn (redis:// or rediss://), selecting the partition number as the
// logical database. The DSN's own db path segment, if any, is overridden.
func NewRedisOpener(dsn string) (Opener, error) {
	baseOpts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return func(ctx context.Context, partition int) (PartitionConn, error) {
		if partition < 0 {
			return nil, fmt.Errorf("%w: negative partition %d", ErrInvalidInput, partition)
		}
		opts := *baseOpts
		opts.DB = partition
		if opts.DialTimeout == 0 {
			opts.DialTimeout = redisDialTimeout
		}
		client := redis.NewClient(&opts)
		pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis db %d: %w", partition, err)
		}
		return &redisConn{client: client}, nil
	}, nil
}

func (c *redisConn) Push(ctx context.Context, queue string, message []byte) error {
	return c.client.LPush(ctx, queue, message).Err()
}

func (c *redisConn) Length(ctx context.Context, queue string) (int64, error) {
	return c.client.LLen(ctx, queue).Result()
}

func (c *redisConn) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisConn) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *redisConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisConn) Ready() bool {
	return !c.closed.Load()
}

func (c *redisConn) Close() error {
	c.closed.Store(true)
	return c.client.Close()
}
