package broker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RoutesFile is the on-disk tenant routing table.
type RoutesFile struct {
	DefaultPartition int            `yaml:"default_partition"`
	Tenants          map[string]int `yaml:"tenants"`
}

// LoadRoutesFile reads and decodes a tenant routes file.
func LoadRoutesFile(path string) (RoutesFile, error) {
	var routes RoutesFile
	data, err := os.ReadFile(path)
	if err != nil {
		return routes, err
	}
	if err := yaml.Unmarshal(data, &routes); err != nil {
		return routes, fmt.Errorf("decode routes file %s: %w", path, err)
	}
	for tenant, partition := range routes.Tenants {
		if tenant == "" || partition < 0 {
			return routes, fmt.Errorf("%w: routes file entry %q -> %d", ErrInvalidInput, tenant, partition)
		}
	}
	return routes, nil
}

const addRouteTimeout = time.Minute

// WatchRoutesFile watches the routes file and applies new or changed tenant
// mappings to the router at runtime via AddRoute. Removing a mapping from
// the file does not detach the tenant; routes only grow while the process
// runs. Blocks until ctx is done.
func WatchRoutesFile(ctx context.Context, path string, router *Router, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file on save, which drops
	// a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			applyRoutesFile(ctx, path, router, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("routes file watcher error", zap.Error(err))
		}
	}
}

func applyRoutesFile(ctx context.Context, path string, router *Router, logger *zap.Logger) {
	routes, err := LoadRoutesFile(path)
	if err != nil {
		logger.Warn("routes file reload failed", zap.String("path", path), zap.Error(err))
		return
	}
	current := router.Routes()
	for tenant, partition := range routes.Tenants {
		if existing, ok := current[tenant]; ok && existing == partition {
			continue
		}
		addCtx, cancel := context.WithTimeout(ctx, addRouteTimeout)
		err := router.AddRoute(addCtx, tenant, partition)
		cancel()
		if err != nil {
			logger.Warn("routes file mapping rejected",
				zap.String("tenant", tenant),
				zap.Int("partition", partition),
				zap.Error(err))
		}
	}
}
