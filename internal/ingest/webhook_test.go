package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"fibertrack/internal/activity"
	"fibertrack/internal/config"
	"fibertrack/internal/engine"
	"fibertrack/internal/guard"
	"fibertrack/internal/model"
	"fibertrack/internal/storage"
	"fibertrack/internal/storage/storagetest"
)

const secret = "s3cret"

type fixture struct {
	handler http.Handler
	store   storage.Store
}

func newFixture(t *testing.T, mutate func(*config.Config), proc Processor) fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Webhook.Signature.Secrets = map[string]string{"librenms": secret, "generic": secret}
	if mutate != nil {
		mutate(cfg)
	}
	store := storagetest.New(t)
	rl := cfg.Webhook.RateLimit
	g, err := guard.New(cfg.Webhook, guard.NewMemoryLimiter(rl.Window, rl.MaxRequests))
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	if proc == nil {
		proc = engine.NewEngine(cfg, nil, store, nil, activity.NewStore(10))
	}
	srv := NewWebhookServer(config.NewStaticManager(cfg), g, proc, store, nil)
	return fixture{handler: srv.Handler(), store: store}
}

func signedRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(guard.HeaderTimestamp, ts)
	req.Header.Set(guard.HeaderSignature, guard.Sign(secret, ts, []byte(body)))
	return req
}

func serve(h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var decoded map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	return rec, decoded
}

const downBody = `{"hostname":"OLT-1","eventType":"down","severity":"critical","message":"device down"}`

func TestWebhookAcceptsAndDeduplicates(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec, body := serve(f.handler, signedRequest("/webhooks/librenms", downBody))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}
	if body["action"] != "opened" || body["dedup_key"] != "librenms|olt-1|down" || body["incident_id"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
	rec, body = serve(f.handler, signedRequest("/webhooks/librenms", downBody))
	if rec.Code != http.StatusAccepted || body["action"] != "duplicate" {
		t.Fatalf("expected duplicate 202, got %d %v", rec.Code, body)
	}
	n, err := f.store.CountWebhookEvents(context.Background(), "librenms")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 audit rows, got %d %v", n, err)
	}
}

func TestWebhookRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		req    func() *http.Request
		status int
		code   string
	}{
		{
			name: "bad signature",
			req: func() *http.Request {
				req := signedRequest("/webhooks/librenms", downBody)
				req.Header.Set(guard.HeaderSignature, "deadbeef")
				return req
			},
			status: http.StatusUnauthorized,
			code:   "invalid_signature",
		},
		{
			name: "stale timestamp",
			req: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/webhooks/librenms", strings.NewReader(downBody))
				ts := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
				req.Header.Set(guard.HeaderTimestamp, ts)
				req.Header.Set(guard.HeaderSignature, guard.Sign(secret, ts, []byte(downBody)))
				return req
			},
			status: http.StatusUnauthorized,
			code:   "stale_timestamp",
		},
		{
			name:   "missing secret",
			req:    func() *http.Request { return signedRequest("/webhooks/zabbix", downBody) },
			status: http.StatusUnauthorized,
			code:   "misconfigured",
		},
		{
			name: "outside allowlist",
			mutate: func(c *config.Config) {
				c.Webhook.Allowlist.CIDRs = []string{"10.0.0.0/8"}
			},
			req:    func() *http.Request { return signedRequest("/webhooks/librenms", downBody) },
			status: http.StatusForbidden,
			code:   "forbidden",
		},
		{
			name:   "malformed body",
			req:    func() *http.Request { return signedRequest("/webhooks/librenms", `not json`) },
			status: http.StatusBadRequest,
			code:   "malformed_payload",
		},
		{
			name:   "unknown vendor",
			req:    func() *http.Request { return signedRequest("/webhooks/nagios", downBody) },
			status: http.StatusNotFound,
			code:   "unknown_vendor",
		},
		{
			name:   "test endpoint disabled",
			req:    func() *http.Request { return httptest.NewRequest(http.MethodPost, "/webhooks/test", strings.NewReader(downBody)) },
			status: http.StatusNotFound,
			code:   "not_found",
		},
		{
			name: "body too large",
			mutate: func(c *config.Config) {
				c.Webhook.MaxBodyBytes = 16
			},
			req:    func() *http.Request { return signedRequest("/webhooks/librenms", downBody) },
			status: http.StatusRequestEntityTooLarge,
			code:   "payload_too_large",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.mutate, nil)
			rec, body := serve(f.handler, tc.req())
			if rec.Code != tc.status || body["code"] != tc.code {
				t.Fatalf("got %d %v, want %d %s", rec.Code, body, tc.status, tc.code)
			}
			list, err := f.store.ListIncidents(context.Background(), storage.IncidentFilter{})
			if err != nil || len(list) != 0 {
				t.Fatalf("rejected request created incidents: %v %v", list, err)
			}
		})
	}
}

func TestWebhookRateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Webhook.RateLimit.MaxRequests = 2
	}, nil)
	for i := 0; i < 2; i++ {
		if rec, _ := serve(f.handler, signedRequest("/webhooks/librenms", downBody)); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	rec, body := serve(f.handler, signedRequest("/webhooks/librenms", downBody))
	if rec.Code != http.StatusTooManyRequests || body["code"] != "rate_limited" {
		t.Fatalf("expected 429, got %d %v", rec.Code, body)
	}
	// rate limited requests are not audited
	if n, _ := f.store.CountWebhookEvents(context.Background(), ""); n != 2 {
		t.Fatalf("expected 2 audit rows, got %d", n)
	}
}

func TestWebhookInvalidSignatureIsAudited(t *testing.T) {
	f := newFixture(t, nil, nil)
	req := signedRequest("/webhooks/librenms", downBody)
	req.Header.Set(guard.HeaderSignature, "00")
	if rec, _ := serve(f.handler, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if n, _ := f.store.CountWebhookEvents(context.Background(), "librenms"); n != 1 {
		t.Fatalf("forged request should be audited, got %d rows", n)
	}
}

func TestWebhookTestEndpoint(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Webhook.TestEndpoint = true }, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/test?vendor=zabbix",
		strings.NewReader(`{"event":{"name":"Link down","severity":"High"},"host":{"host":"olt-7"}}`))
	rec, body := serve(f.handler, req)
	if rec.Code != http.StatusAccepted || body["action"] != "opened" || body["dedup_key"] != "zabbix|olt-7|down" {
		t.Fatalf("unexpected response %d %v", rec.Code, body)
	}
}

type failingProcessor struct{}

func (failingProcessor) Process(context.Context, model.NormalizedEvent) (engine.Outcome, error) {
	return engine.Outcome{}, errors.New("database is locked")
}

func TestWebhookProcessingFailureIs500(t *testing.T) {
	f := newFixture(t, nil, failingProcessor{})
	rec, body := serve(f.handler, signedRequest("/webhooks/librenms", downBody))
	if rec.Code != http.StatusInternalServerError || body["code"] != "processing_failed" {
		t.Fatalf("expected 500, got %d %v", rec.Code, body)
	}
}
