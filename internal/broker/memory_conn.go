package broker

import (
	"context"
	"sync"
	"time"
)

// memoryStore is one in-process backing server shared by every partition an
// opener hands out, mirroring how the Redis backend shares a server across
// logical databases. Used by tests and local development.
type memoryStore struct {
	mu         sync.Mutex
	partitions map[int]*memoryPartition
}

type memoryPartition struct {
	queues map[string][][]byte
	cache  map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryOpener returns an Opener serving partitions out of one in-process
// store. Every connection opened from the same opener sees the same data.
func NewMemoryOpener() Opener {
	store := &memoryStore{partitions: map[int]*memoryPartition{}}
	return func(ctx context.Context, partition int) (PartitionConn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &memoryConn{store: store, partition: partition}, nil
	}
}

func (s *memoryStore) partitionLocked(partition int) *memoryPartition {
	p, ok := s.partitions[partition]
	if !ok {
		p = &memoryPartition{
			queues: map[string][][]byte{},
			cache:  map[string]memoryCacheEntry{},
		}
		s.partitions[partition] = p
	}
	return p
}

type memoryConn struct {
	store     *memoryStore
	partition int

	mu     sync.Mutex
	closed bool
}

func (c *memoryConn) Push(_ context.Context, queue string, message []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	p := c.store.partitionLocked(c.partition)
	copied := append([]byte(nil), message...)
	p.queues[queue] = append([][]byte{copied}, p.queues[queue]...)
	return nil
}

func (c *memoryConn) Length(_ context.Context, queue string) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return int64(len(c.store.partitionLocked(c.partition).queues[queue])), nil
}

func (c *memoryConn) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.check(); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	p := c.store.partitionLocked(c.partition)
	p.cache[key] = memoryCacheEntry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (c *memoryConn) Get(_ context.Context, key string) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	entry, ok := c.store.partitionLocked(c.partition).cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), entry.value...), nil
}

func (c *memoryConn) Ping(context.Context) error {
	return c.check()
}

func (c *memoryConn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *memoryConn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrPartitionDown
	}
	return nil
}
