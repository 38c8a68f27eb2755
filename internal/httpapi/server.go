// Package httpapi is the HTTP boundary of the webhook relay: inbound Notion
// webhook deliveries, a health probe, and a small admin surface over the
// router's read accessors.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/ChenyqThu/Notion2JIRA/internal/broker"
	"github.com/ChenyqThu/Notion2JIRA/internal/dispatch"
	"github.com/ChenyqThu/Notion2JIRA/internal/notion"
)

const writeTimeout = 10 * time.Second

// RouterAdmin is the read-mostly slice of the queue router the admin
// endpoints need. Implemented by *broker.Router.
type RouterAdmin interface {
	Status() broker.Status
	QueueLength(ctx context.Context, tenantID, queue string) int64
	GetCache(ctx context.Context, tenantID, key string) json.RawMessage
	AddRoute(ctx context.Context, tenantID string, partition int) error
}

type ServerConfig struct {
	// WebhookSecret enables HMAC verification of webhook deliveries when
	// non-empty.
	WebhookSecret string
	// AdminAPIKey guards /v1/admin when non-empty.
	AdminAPIKey string
	// DevMode includes internal error detail in 5xx bodies.
	DevMode         bool
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type Server struct {
	dispatcher  *dispatch.Dispatcher
	router      RouterAdmin
	cfg         ServerConfig
	logger      *zap.Logger
	schema      *jsonschema.Schema
	feed        *taskFeed
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(dispatcher *dispatch.Dispatcher, router RouterAdmin, cfg ServerConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	schema, err := newWebhookSchema()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		dispatcher:  dispatcher,
		router:      router,
		cfg:         cfg,
		logger:      logger,
		schema:      schema,
		feed:        newTaskFeed(),
		rateLimiter: limiter,
	}, nil
}

// PublishTask forwards an enqueued-task summary to the admin event feed.
// Wire it as the dispatcher's enqueue hook.
func (s *Server) PublishTask(summary dispatch.TaskSummary) {
	s.feed.Publish(summary)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get("X-Correlation-Id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/webhook/test" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"message":   "Webhook service is running",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	case r.URL.Path == "/webhook/notion" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, correlationID)
	case strings.HasPrefix(r.URL.Path, "/v1/admin/"):
		s.handleAdmin(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientIP(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	if contentType := r.Header.Get("Content-Type"); !strings.Contains(contentType, "application/json") {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid content type, expected application/json", correlationID)
		return
	}

	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if authErr := verifyWebhookSignature(s.cfg.WebhookSecret, body, r.Header.Get("X-Webhook-Signature")); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if err := validateWebhookBody(s.schema, body); err != nil {
		s.logger.Warn("webhook validation failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":         "Invalid request data",
			"details":       err.Error(),
			"correlationId": correlationID,
		})
		return
	}

	var payload notion.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	event, err := notion.ParseWebhook(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	s.logger.Info("webhook event received",
		zap.String("correlation_id", correlationID),
		zap.String("event_type", event.EventType),
		zap.String("page_id", event.PageID),
		zap.String("tenant", event.DatabaseID),
		zap.String("title", notion.ExtractTitle(event.Properties)),
		zap.Bool("sync2jira", event.Sync2JIRA),
		zap.Int("property_count", len(event.Properties)))

	result, err := s.dispatcher.Dispatch(r.Context(), event)
	if err != nil {
		if errors.Is(err, dispatch.ErrMissingPageID) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		s.logger.Error("dispatch failed",
			zap.String("correlation_id", correlationID),
			zap.String("page_id", event.PageID),
			zap.Error(err))
		message := "internal server error"
		if s.cfg.DevMode {
			message = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success":       false,
			"error":         message,
			"correlationId": correlationID,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Webhook processed successfully",
		"result":    result,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request, correlationID string) {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}
	if authErr := verifyAPIKey(s.cfg.AdminAPIKey, apiKey); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch {
	case r.URL.Path == "/v1/admin/status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.router.Status())
	case r.URL.Path == "/v1/admin/queues" && r.Method == http.MethodGet:
		tenant := r.URL.Query().Get("tenant")
		queue := r.URL.Query().Get("queue")
		if queue == "" {
			queue = dispatch.SyncQueue
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant": tenant,
			"queue":  queue,
			"length": s.router.QueueLength(r.Context(), tenant, queue),
		})
	case r.URL.Path == "/v1/admin/cache" && r.Method == http.MethodGet:
		s.handleAdminCache(w, r, correlationID)
	case r.URL.Path == "/v1/admin/routes" && r.Method == http.MethodPost:
		s.handleAdminAddRoute(w, r, correlationID)
	case r.URL.Path == "/v1/admin/events" && r.Method == http.MethodGet:
		s.feed.serve(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleAdminCache(w http.ResponseWriter, r *http.Request, correlationID string) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "key query parameter is required", correlationID)
		return
	}
	tenant := r.URL.Query().Get("tenant")
	value := s.router.GetCache(r.Context(), tenant, key)
	writeJSON(w, http.StatusOK, map[string]any{
		"key":    key,
		"tenant": tenant,
		"found":  value != nil,
		"value":  value,
	})
}

func (s *Server) handleAdminAddRoute(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		TenantID  string `json:"tenant_id"`
		Partition int    `json:"partition"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant_id is required", correlationID)
		return
	}
	if err := s.router.AddRoute(r.Context(), req.TenantID, req.Partition); err != nil {
		s.logger.Error("add route failed",
			zap.String("correlation_id", correlationID),
			zap.String("tenant", req.TenantID),
			zap.Error(err))
		message := "failed to add route"
		if s.cfg.DevMode {
			message = err.Error()
		}
		writeError(w, http.StatusInternalServerError, "internal_error", message, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": req.TenantID,
		"partition": req.Partition,
	})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
