package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ChenyqThu/Notion2JIRA/internal/broker"
	"github.com/ChenyqThu/Notion2JIRA/internal/dispatch"
)

type testStack struct {
	server *Server
	router *broker.Router
}

func newTestStack(t *testing.T, cfg ServerConfig) *testStack {
	t.Helper()
	router, err := broker.NewRouter(broker.Options{
		Routes:           map[string]int{"db-net": 1},
		DefaultPartition: 0,
		Opener:           broker.NewMemoryOpener(),
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new router failed: %v", err)
	}
	if err := router.Initialize(context.Background()); err != nil {
		t.Fatalf("router initialize failed: %v", err)
	}
	t.Cleanup(func() { router.Shutdown(context.Background()) })

	dispatcher := dispatch.New(router, dispatch.WithLogger(zap.NewNop()))
	server, err := NewServer(dispatcher, router, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server failed: %v", err)
	}
	return &testStack{server: server, router: router}
}

func postWebhook(t *testing.T, server *Server, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/notion", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response failed: %v (body: %s)", err, rec.Body.String())
	}
	return decoded
}

const validWebhookBody = `{
	"event_type": "page.created",
	"data": {
		"id": "page-1",
		"object": "page",
		"parent": {"database_id": "db-net"},
		"properties": {
			"Name": {"type": "title", "title": [{"plain_text": "Feature A"}]},
			"sync2jira": {"type": "checkbox", "checkbox": true}
		}
	}
}`

func TestHealthAndWebhookTest(t *testing.T) {
	stack := newTestStack(t, ServerConfig{})

	rec := httptest.NewRecorder()
	stack.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for health, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	stack.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/test", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for webhook test, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["success"] != true {
		t.Fatalf("unexpected webhook test body: %#v", body)
	}
}

func TestWebhookEnqueuesTask(t *testing.T) {
	stack := newTestStack(t, ServerConfig{})

	rec := postWebhook(t, stack.server, validWebhookBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("expected success response, got %#v", body)
	}
	result, ok := body["result"].(map[string]any)
	if !ok || result["processed"] != true || result["action"] != "page_created" {
		t.Fatalf("unexpected dispatch result: %#v", body["result"])
	}
	if result["task_id"] == "" || result["task_id"] == nil {
		t.Fatalf("expected task id in result, got %#v", result)
	}
	if length := stack.router.QueueLength(context.Background(), "db-net", dispatch.SyncQueue); length != 1 {
		t.Fatalf("expected one queued task, got %d", length)
	}
}

func TestWebhookRejectsSchemaViolations(t *testing.T) {
	stack := newTestStack(t, ServerConfig{})
	cases := []struct {
		name string
		body string
	}{
		{name: "missing data", body: `{"event_type": "page.created"}`},
		{name: "empty page id", body: `{"data": {"id": "", "object": "page"}}`},
		{name: "wrong object kind", body: `{"data": {"id": "p", "object": "database", "properties": {}}}`},
		{name: "missing properties", body: `{"data": {"id": "p", "object": "page"}}`},
		{name: "properties not an object", body: `{"data": {"id": "p", "object": "page", "properties": []}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postWebhook(t, stack.server, tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if body := decodeBody(t, rec); body["error"] != "Invalid request data" {
				t.Fatalf("expected validation error body, got %#v", body)
			}
		})
	}
}

func TestWebhookRejectsBadContentType(t *testing.T) {
	stack := newTestStack(t, ServerConfig{})
	rec := postWebhook(t, stack.server, validWebhookBody, func(r *http.Request) {
		r.Header.Set("Content-Type", "text/plain")
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad content type, got %d", rec.Code)
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	stack := newTestStack(t, ServerConfig{MaxBodyBytes: 64})
	rec := postWebhook(t, stack.server, validWebhookBody, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestWebhookSignatureVerification(t *testing.T) {
	const secret = "relay-secret"
	stack := newTestStack(t, ServerConfig{WebhookSecret: secret})

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(validWebhookBody))
	signature := hex.EncodeToString(mac.Sum(nil))

	rec := postWebhook(t, stack.server, validWebhookBody, func(r *http.Request) {
		r.Header.Set("X-Webhook-Signature", "sha256="+signature)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid signature, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postWebhook(t, stack.server, validWebhookBody, func(r *http.Request) {
		r.Header.Set("X-Webhook-Signature", "sha256=deadbeef")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with invalid signature, got %d", rec.Code)
	}

	rec = postWebhook(t, stack.server, validWebhookBody, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with missing signature, got %d", rec.Code)
	}
}

func TestWebhookRateLimiting(t *testing.T) {
	stack := newTestStack(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		if rec := postWebhook(t, stack.server, validWebhookBody, nil); rec.Code != http.StatusOK {
			t.Fatalf("expected 200 within limit, got %d", rec.Code)
		}
	}
	rec := postWebhook(t, stack.server, validWebhookBody, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over limit, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on 429")
	}
}

func TestAdminRequiresAPIKey(t *testing.T) {
	stack := newTestStack(t, ServerConfig{AdminAPIKey: "admin-key"})

	rec := httptest.NewRecorder()
	stack.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without api key, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/status", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rec = httptest.NewRecorder()
	stack.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["initialized"] != true {
		t.Fatalf("expected initialized status, got %#v", body)
	}

	// The query parameter form serves dashboards that cannot set headers.
	rec = httptest.NewRecorder()
	stack.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/status?api_key=admin-key", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with query api key, got %d", rec.Code)
	}
}

func TestAdminQueueLength(t *testing.T) {
	stack := newTestStack(t, ServerConfig{})
	if rec := postWebhook(t, stack.server, validWebhookBody, nil); rec.Code != http.StatusOK {
		t.Fatalf("seed webhook failed: %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	stack.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/queues?tenant=db-net", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["queue"] != dispatch.SyncQueue || body["length"] != 1.0 {
		t.Fatalf("unexpected queue report: %#v", body)
	}
}

func TestAdminCacheLookup(t *testing.T) {
	stack := newTestStack(t, ServerConfig{})
	if err := stack.router.SetCache(context.Background(), "db-net", "mapping:page-1", map[string]string{"issue": "NET-1"}, 0); err != nil {
		t.Fatalf("seed cache failed: %v", err)
	}

	rec := httptest.NewRecorder()
	stack.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/cache?tenant=db-net&key=mapping:page-1", nil))
	body := decodeBody(t, rec)
	if rec.Code != http.StatusOK || body["found"] != true {
		t.Fatalf("expected cache hit, got %d %#v", rec.Code, body)
	}

	rec = httptest.NewRecorder()
	stack.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/cache?tenant=db-net&key=mapping:absent", nil))
	body = decodeBody(t, rec)
	if rec.Code != http.StatusOK || body["found"] != false {
		t.Fatalf("expected cache miss report, got %d %#v", rec.Code, body)
	}

	rec = httptest.NewRecorder()
	stack.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/cache", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", rec.Code)
	}
}

func TestAdminAddRoute(t *testing.T) {
	stack := newTestStack(t, ServerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/routes",
		strings.NewReader(`{"tenant_id": "db-ops", "partition": 5}`))
	rec := httptest.NewRecorder()
	stack.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if partition := stack.router.Routes()["db-ops"]; partition != 5 {
		t.Fatalf("expected route published, got %#v", stack.router.Routes())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/admin/routes", strings.NewReader(`{"partition": 5}`))
	rec = httptest.NewRecorder()
	stack.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant_id, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	stack := newTestStack(t, ServerConfig{})
	rec := httptest.NewRecorder()
	stack.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
