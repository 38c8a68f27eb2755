package broker

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// OpenerFactory builds an Opener for a backend scheme.
type OpenerFactory func(dsn string) (Opener, error)

var openerFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]OpenerFactory
}{
	factories: map[string]OpenerFactory{},
}

// RegisterOpenerFactory installs a factory for a custom DSN scheme,
// overriding the built-in dispatch.
func RegisterOpenerFactory(scheme string, factory OpenerFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	openerFactoryRegistry.mu.Lock()
	defer openerFactoryRegistry.mu.Unlock()
	openerFactoryRegistry.factories[scheme] = factory
}

func lookupOpenerFactory(scheme string) (OpenerFactory, bool) {
	scheme = normalizeScheme(scheme)
	openerFactoryRegistry.mu.RLock()
	defer openerFactoryRegistry.mu.RUnlock()
	factory, ok := openerFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildOpenerFromDSN selects a partition backend by DSN scheme: redis for
// production, postgres as the relational alternative, memory for tests and
// local development.
func BuildOpenerFromDSN(dsn string) (Opener, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty broker dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupOpenerFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "redis", "rediss":
		return NewRedisOpener(dsn)
	case "postgres", "postgresql":
		return NewPostgresOpener(dsn)
	case "memory", "mem", "inmem":
		return NewMemoryOpener(), nil
	case "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: broker backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported broker scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
