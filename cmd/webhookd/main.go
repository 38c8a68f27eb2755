package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ChenyqThu/Notion2JIRA/internal/broker"
	"github.com/ChenyqThu/Notion2JIRA/internal/dispatch"
	"github.com/ChenyqThu/Notion2JIRA/internal/httpapi"
)

func main() {
	devMode := boolEnv("N2J_DEV_MODE", false)
	logger := buildLogger(devMode)
	defer func() { _ = logger.Sync() }()

	addr := os.Getenv("N2J_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	routes, defaultPartition, routesFile := loadRoutes(logger)

	dsn := os.Getenv("N2J_BROKER_DSN")
	if dsn == "" {
		dsn = "redis://localhost:6379"
	}
	opener, err := broker.BuildOpenerFromDSN(dsn)
	if err != nil {
		logger.Fatal("invalid broker dsn", zap.Error(err))
	}

	router, err := broker.NewRouter(broker.Options{
		Routes:           routes,
		DefaultPartition: defaultPartition,
		Opener:           opener,
		CacheTTL:         durationEnv(logger, "N2J_CACHE_TTL", time.Hour),
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, durationEnv(logger, "N2J_INIT_TIMEOUT", 2*time.Minute))
	err = router.Initialize(initCtx)
	cancel()
	if err != nil {
		logger.Fatal("router initialization failed", zap.Error(err))
	}
	defer router.Shutdown(context.Background())

	var server *httpapi.Server
	dispatcher := dispatch.New(router,
		dispatch.WithLogger(logger),
		dispatch.WithEnqueueHook(func(summary dispatch.TaskSummary) {
			server.PublishTask(summary)
		}))
	server, err = httpapi.NewServer(dispatcher, router, httpapi.ServerConfig{
		WebhookSecret:   os.Getenv("N2J_WEBHOOK_SECRET"),
		AdminAPIKey:     os.Getenv("N2J_ADMIN_API_KEY"),
		DevMode:         devMode,
		MaxBodyBytes:    int64Env(logger, "N2J_MAX_BODY_BYTES", 0),
		RateLimitMax:    intEnv(logger, "N2J_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv(logger, "N2J_RATE_LIMIT_WINDOW", time.Minute),
	}, logger)
	if err != nil {
		logger.Fatal("failed to build http server", zap.Error(err))
	}

	if routesFile != "" {
		go func() {
			if err := broker.WatchRoutesFile(ctx, routesFile, router, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("routes file watcher stopped", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("webhookd listening", zap.String("addr", addr), zap.String("broker", dsn))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildLogger(devMode bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if devMode {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		os.Exit(1)
	}
	return logger
}

// loadRoutes reads the tenant routing table: a yaml file when
// N2J_ROUTES_FILE is set, otherwise an optional inline
// N2J_TENANT_ROUTES list of tenant=partition pairs.
func loadRoutes(logger *zap.Logger) (map[string]int, int, string) {
	routesFile := strings.TrimSpace(os.Getenv("N2J_ROUTES_FILE"))
	defaultPartition := intEnv(logger, "N2J_DEFAULT_PARTITION", 0)
	if routesFile != "" {
		rf, err := broker.LoadRoutesFile(routesFile)
		if err != nil {
			logger.Fatal("failed to load routes file", zap.String("path", routesFile), zap.Error(err))
		}
		return rf.Tenants, rf.DefaultPartition, routesFile
	}
	return parseInlineRoutes(logger, os.Getenv("N2J_TENANT_ROUTES")), defaultPartition, ""
}

func parseInlineRoutes(logger *zap.Logger, raw string) map[string]int {
	routes := map[string]int{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tenant, partitionRaw, found := strings.Cut(pair, "=")
		if !found {
			logger.Warn("ignoring malformed N2J_TENANT_ROUTES entry", zap.String("entry", pair))
			continue
		}
		partition, err := strconv.Atoi(strings.TrimSpace(partitionRaw))
		if err != nil {
			logger.Warn("ignoring malformed N2J_TENANT_ROUTES partition", zap.String("entry", pair))
			continue
		}
		routes[strings.TrimSpace(tenant)] = partition
	}
	return routes
}

func intEnv(logger *zap.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback", zap.String("name", name), zap.String("value", raw))
		return fallback
	}
	return value
}

func int64Env(logger *zap.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn("invalid env value, using fallback", zap.String("name", name), zap.String("value", raw))
		return fallback
	}
	return value
}

func durationEnv(logger *zap.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback", zap.String("name", name), zap.String("value", raw))
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
