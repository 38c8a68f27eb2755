// Package broker owns the per-partition backing-store connections and the
// tenant-to-partition routing that isolates one Notion database's sync
// traffic from another's.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrNotInitialized = errors.New("router not initialized")
	ErrPartitionDown  = errors.New("partition connection unavailable")
	ErrInvalidInput   = errors.New("invalid input")
	ErrCacheMiss      = errors.New("cache miss")
	ErrNotImplemented = errors.New("not implemented")
)

// PartitionConn is one live connection to a backing partition. Push places a
// message at the head of the named list; consumers pop the tail, so the
// queue is FIFO end to end. Get returns ErrCacheMiss when the key is absent
// or expired.
type PartitionConn interface {
	Push(ctx context.Context, queue string, message []byte) error
	Length(ctx context.Context, queue string) (int64, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Ping(ctx context.Context) error
	Ready() bool
	Close() error
}

// Opener establishes a connection to one partition. The router retries it
// with capped exponential backoff; openers should perform a single attempt.
type Opener func(ctx context.Context, partition int) (PartitionConn, error)

// TaskEnvelope is the wire format pushed onto a sync queue. Downstream
// workers own the envelope once it is enqueued; this process never mutates
// or deletes it afterwards.
type TaskEnvelope struct {
	ID         string          `json:"id"`
	Timestamp  int64           `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
	RetryCount int             `json:"retry_count"`
	DatabaseID string          `json:"database_id,omitempty"`
	Partition  int             `json:"partition"`
}

const taskIDSuffixLen = 9

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newTaskID returns a millisecond timestamp plus a random base36 suffix.
// Not globally unique by construction, but collisions are astronomically
// unlikely within one queue's lifetime.
func newTaskID(now time.Time) string {
	suffix := make([]byte, taskIDSuffixLen)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			suffix[i] = base36Alphabet[0]
			continue
		}
		suffix[i] = base36Alphabet[n.Int64()]
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}
