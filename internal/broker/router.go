package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultCacheTTL           = time.Hour
	defaultConnectCeiling     = 3 * time.Second
	defaultConnectMaxAttempts = 10
)

// Options configures a Router. Opener is required; everything else has a
// working default.
type Options struct {
	// Routes maps a tenant id (Notion database id) to a partition number.
	Routes map[string]int
	// DefaultPartition serves tenants absent from Routes. A connection to
	// it is always established, even with an empty route map.
	DefaultPartition int
	Opener           Opener
	// CacheTTL bounds every cache write. Zero means one hour.
	CacheTTL time.Duration
	// ConnectBackoffCeiling caps the per-attempt backoff interval.
	ConnectBackoffCeiling time.Duration
	// ConnectInitialBackoff is the first retry delay. Zero keeps the
	// backoff library default.
	ConnectInitialBackoff time.Duration
	// ConnectMaxAttempts bounds connection establishment; exceeding it is a
	// fatal error, not an endless retry.
	ConnectMaxAttempts uint64
	Logger             *zap.Logger
	// OnFallback is invoked whenever an unmapped tenant is routed to the
	// default partition. Observability hook only.
	OnFallback func(tenantID string, partition int)
}

// Router maps tenants to backing partitions and exposes all queue and cache
// operations through a tenant-scoped facade. Lifecycle: NewRouter →
// Initialize → serve → Shutdown.
type Router struct {
	opts   Options
	logger *zap.Logger

	mu          sync.RWMutex
	routes      map[string]int
	conns       map[int]PartitionConn
	initialized bool
}

// PartitionStatus is one partition's connection health in a status snapshot.
type PartitionStatus struct {
	Connected bool `json:"connected"`
	Ready     bool `json:"ready"`
}

// Status is the aggregate snapshot served by the admin surface.
type Status struct {
	Initialized      bool                       `json:"initialized"`
	Partitions       map[string]PartitionStatus `json:"partitions"`
	Routes           map[string]int             `json:"routes"`
	DefaultPartition int                        `json:"default_partition"`
}

func NewRouter(opts Options) (*Router, error) {
	if opts.Opener == nil {
		return nil, fmt.Errorf("%w: opener is required", ErrInvalidInput)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.ConnectBackoffCeiling <= 0 {
		opts.ConnectBackoffCeiling = defaultConnectCeiling
	}
	if opts.ConnectMaxAttempts == 0 {
		opts.ConnectMaxAttempts = defaultConnectMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	routes := make(map[string]int, len(opts.Routes))
	for tenant, partition := range opts.Routes {
		routes[tenant] = partition
	}
	return &Router{
		opts:   opts,
		logger: opts.Logger,
		routes: routes,
		conns:  map[int]PartitionConn{},
	}, nil
}

// Initialize opens one connection per distinct partition referenced by the
// route map plus the default partition, concurrently. Any partition failing
// its bounded retry budget fails initialization as a whole.
func (r *Router) Initialize(ctx context.Context) error {
	r.mu.Lock()
	partitions := map[int]struct{}{r.opts.DefaultPartition: {}}
	for _, partition := range r.routes {
		partitions[partition] = struct{}{}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex
	for partition := range partitions {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			conn, err := r.openWithRetry(ctx, partition)
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("partition %d: %w", partition, err)
				}
				errMu.Unlock()
				return
			}
			r.mu.Lock()
			r.conns[partition] = conn
			r.mu.Unlock()
		}(partition)
	}
	wg.Wait()

	if firstErr != nil {
		r.closeAll()
		return firstErr
	}

	r.mu.Lock()
	r.initialized = true
	connected := len(r.conns)
	r.mu.Unlock()
	r.logger.Info("router initialized",
		zap.Int("partitions", connected),
		zap.Int("default_partition", r.opts.DefaultPartition))
	return nil
}

func (r *Router) openWithRetry(ctx context.Context, partition int) (PartitionConn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = r.opts.ConnectBackoffCeiling
	policy.MaxElapsedTime = 0
	if r.opts.ConnectInitialBackoff > 0 {
		policy.InitialInterval = r.opts.ConnectInitialBackoff
	}

	var conn PartitionConn
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		opened, err := r.opts.Opener(ctx, partition)
		if err != nil {
			r.logger.Warn("partition connect attempt failed",
				zap.Int("partition", partition),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		conn = opened
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, r.opts.ConnectMaxAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RouteFor resolves a tenant to its partition. Unmapped tenants fall back to
// the default partition with a logged signal; the only error case is a
// router whose resolved partition has no live connection.
func (r *Router) RouteFor(tenantID string) (int, error) {
	partition, _, err := r.resolve(tenantID)
	return partition, err
}

func (r *Router) resolve(tenantID string) (int, PartitionConn, error) {
	r.mu.RLock()
	if !r.initialized {
		r.mu.RUnlock()
		return 0, nil, ErrNotInitialized
	}
	partition, mapped := r.routes[tenantID]
	if !mapped {
		partition = r.opts.DefaultPartition
	}
	conn := r.conns[partition]
	r.mu.RUnlock()

	if !mapped {
		r.logger.Warn("tenant not mapped, using default partition",
			zap.String("tenant", tenantID),
			zap.Int("partition", partition))
		if r.opts.OnFallback != nil {
			r.opts.OnFallback(tenantID, partition)
		}
	}
	if conn == nil || !conn.Ready() {
		return 0, nil, fmt.Errorf("%w: partition %d", ErrPartitionDown, partition)
	}
	return partition, conn, nil
}

// PushTask serializes an envelope around payload and pushes it onto the head
// of the tenant's queue. The envelope records the caller's tenant id even
// when the tenant was routed to the default partition.
func (r *Router) PushTask(ctx context.Context, tenantID, queue string, payload any) (string, error) {
	if queue == "" {
		return "", fmt.Errorf("%w: queue name is required", ErrInvalidInput)
	}
	partition, conn, err := r.resolve(tenantID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}
	now := time.Now()
	envelope := TaskEnvelope{
		ID:         newTaskID(now),
		Timestamp:  now.UnixMilli(),
		Data:       data,
		RetryCount: 0,
		DatabaseID: tenantID,
		Partition:  partition,
	}
	message, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal task envelope: %w", err)
	}
	if err := conn.Push(ctx, queue, message); err != nil {
		return "", fmt.Errorf("push task to partition %d: %w", partition, err)
	}
	r.logger.Info("task enqueued",
		zap.String("task_id", envelope.ID),
		zap.String("queue", queue),
		zap.String("tenant", tenantID),
		zap.Int("partition", partition))
	return envelope.ID, nil
}

// QueueLength reports the tenant's queue depth. Advisory only: any failure
// degrades to zero rather than an error.
func (r *Router) QueueLength(ctx context.Context, tenantID, queue string) int64 {
	_, conn, err := r.resolve(tenantID)
	if err != nil {
		return 0
	}
	length, err := conn.Length(ctx, queue)
	if err != nil {
		r.logger.Warn("queue length lookup failed",
			zap.String("tenant", tenantID),
			zap.String("queue", queue),
			zap.Error(err))
		return 0
	}
	return length
}

// SetCache writes a JSON-serialized value with a mandatory TTL into the
// tenant's partition. A non-positive ttl uses the router default.
func (r *Router) SetCache(ctx context.Context, tenantID, key string, value any, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: cache key is required", ErrInvalidInput)
	}
	partition, conn, err := r.resolve(tenantID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if ttl <= 0 {
		ttl = r.opts.CacheTTL
	}
	if err := conn.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("set cache on partition %d: %w", partition, err)
	}
	return nil
}

// GetCache reads a cached value from the tenant's partition. It returns nil
// on miss and on any connectivity or decode failure: callers must treat nil
// as "unknown", never as "confirmed absent".
func (r *Router) GetCache(ctx context.Context, tenantID, key string) json.RawMessage {
	_, conn, err := r.resolve(tenantID)
	if err != nil {
		return nil
	}
	data, err := conn.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			r.logger.Warn("cache read failed",
				zap.String("tenant", tenantID),
				zap.String("key", key),
				zap.Error(err))
		}
		return nil
	}
	if !json.Valid(data) {
		return nil
	}
	return json.RawMessage(data)
}

// AddRoute maps a tenant to a partition at runtime. When the partition has
// no existing connection one is established first, under the same bounded
// retry policy as initialization; the mapping is only published once the
// connection is fully live.
func (r *Router) AddRoute(ctx context.Context, tenantID string, partition int) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	r.mu.RLock()
	initialized := r.initialized
	_, connected := r.conns[partition]
	r.mu.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}

	var stale PartitionConn
	if !connected {
		conn, err := r.openWithRetry(ctx, partition)
		if err != nil {
			return fmt.Errorf("partition %d: %w", partition, err)
		}
		r.mu.Lock()
		if _, raced := r.conns[partition]; raced {
			// Another AddRoute won the race; keep its connection.
			stale = conn
		} else {
			r.conns[partition] = conn
		}
		r.routes[tenantID] = partition
		r.mu.Unlock()
	} else {
		r.mu.Lock()
		r.routes[tenantID] = partition
		r.mu.Unlock()
	}
	if stale != nil {
		_ = stale.Close()
	}

	r.logger.Info("tenant route added",
		zap.String("tenant", tenantID),
		zap.Int("partition", partition))
	return nil
}

// Routes returns a copy of the current tenant map.
func (r *Router) Routes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make(map[string]int, len(r.routes))
	for tenant, partition := range r.routes {
		routes[tenant] = partition
	}
	return routes
}

// Status reports the aggregate connection snapshot for the admin surface.
func (r *Router) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	partitions := make(map[string]PartitionStatus, len(r.conns))
	for partition, conn := range r.conns {
		partitions[fmt.Sprintf("partition_%d", partition)] = PartitionStatus{
			Connected: conn != nil,
			Ready:     conn != nil && conn.Ready(),
		}
	}
	routes := make(map[string]int, len(r.routes))
	for tenant, partition := range r.routes {
		routes[tenant] = partition
	}
	return Status{
		Initialized:      r.initialized,
		Partitions:       partitions,
		Routes:           routes,
		DefaultPartition: r.opts.DefaultPartition,
	}
}

// Shutdown closes all partition connections concurrently, tolerating
// individual failures, then marks the router uninitialized.
func (r *Router) Shutdown(context.Context) {
	r.closeAll()
	r.mu.Lock()
	r.initialized = false
	r.mu.Unlock()
	r.logger.Info("router shut down")
}

func (r *Router) closeAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = map[int]PartitionConn{}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for partition, conn := range conns {
		if conn == nil {
			continue
		}
		wg.Add(1)
		go func(partition int, conn PartitionConn) {
			defer wg.Done()
			if err := conn.Close(); err != nil {
				r.logger.Warn("partition close failed",
					zap.Int("partition", partition),
					zap.Error(err))
			}
		}(partition, conn)
	}
	wg.Wait()
}
