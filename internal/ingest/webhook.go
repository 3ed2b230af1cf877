package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fibertrack/internal/config"
	"fibertrack/internal/engine"
	"fibertrack/internal/guard"
	"fibertrack/internal/logging"
	"fibertrack/internal/metrics"
	"fibertrack/internal/model"
	"fibertrack/internal/normalize"
	"fibertrack/internal/storage"
)

// Processor is the correlation pipeline behind the webhook endpoints.
type Processor interface {
	Process(ctx context.Context, ev model.NormalizedEvent) (engine.Outcome, error)
}

type WebhookServer struct {
	cfg    *config.Manager
	guard  *guard.Guard
	engine Processor
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

type acceptedResponse struct {
	Accepted   bool   `json:"accepted"`
	Action     string `json:"action"`
	DedupKey   string `json:"dedup_key,omitempty"`
	IncidentID string `json:"incident_id,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewWebhookServer(cfg *config.Manager, g *guard.Guard, proc Processor, store storage.Store, logger *slog.Logger) *WebhookServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &WebhookServer{cfg: cfg, guard: g, engine: proc, store: store, logger: logger, now: time.Now}
}

func (s *WebhookServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/test", s.handleTest)
	mux.HandleFunc("POST /webhooks/{vendor}", s.handleVendor)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartWebhooks(ctx context.Context, cfg *config.Manager, server *WebhookServer, logger *slog.Logger) *http.Server {
	addr := cfg.Get().Webhook.Addr
	if logger != nil {
		logger.Info("webhook ingest enabled", "addr", addr)
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("webhook server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *WebhookServer) handleVendor(w http.ResponseWriter, r *http.Request) {
	vendor, ok := model.ParseVendor(strings.ToLower(r.PathValue("vendor")))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_vendor", "unsupported vendor "+r.PathValue("vendor"))
		return
	}
	s.handle(w, r, vendor, true)
}

// handleTest runs the pipeline without signature verification; it exists for
// operators wiring up a new NMS and is off unless configured.
func (s *WebhookServer) handleTest(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Get().Webhook.TestEndpoint {
		writeError(w, http.StatusNotFound, "not_found", "test endpoint disabled")
		return
	}
	vendor := model.VendorGeneric
	if v := r.URL.Query().Get("vendor"); v != "" {
		parsed, ok := model.ParseVendor(strings.ToLower(v))
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown_vendor", "unsupported vendor "+v)
			return
		}
		vendor = parsed
	}
	s.handle(w, r, vendor, false)
}

func (s *WebhookServer) handle(w http.ResponseWriter, r *http.Request, vendor model.Vendor, verify bool) {
	cfg := s.cfg.Get().Webhook
	ctx := r.Context()
	ip := guard.ClientIP(r, cfg.TrustProxyHeaders)

	if err := s.guard.Admit(ctx, ip); err != nil {
		s.reject(w, vendor, ip, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.count(vendor, "too_large")
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
			return
		}
		s.count(vendor, "malformed")
		writeError(w, http.StatusBadRequest, "malformed_payload", "could not read body")
		return
	}
	receivedAt := s.now().UTC()

	var verifyErr error
	if verify {
		verifyErr = s.guard.Verify(string(vendor), r.Header, body)
	}
	s.audit(ctx, vendor, ip, verify && verifyErr == nil, body, receivedAt)
	if verifyErr != nil {
		s.reject(w, vendor, ip, verifyErr)
		return
	}

	payload, err := normalize.Decode(vendor, body)
	if err != nil {
		s.count(vendor, "malformed")
		s.logger.Warn("webhook rejected", "vendor", vendor, "ip", ip, "reason", err.Error())
		writeError(w, http.StatusBadRequest, "malformed_payload", err.Error())
		return
	}
	ev := normalize.Normalize(payload, receivedAt)
	ev.Source = "webhook"
	if !verify {
		ev.Source = "test"
	}

	out, err := s.engine.Process(ctx, ev)
	if err != nil {
		s.count(vendor, "error")
		writeError(w, http.StatusInternalServerError, "processing_failed", "event could not be processed, retry later")
		return
	}
	s.count(vendor, "accepted")
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Accepted:   true,
		Action:     string(out.Action),
		DedupKey:   out.DedupKey,
		IncidentID: out.IncidentID(),
	})
}

func (s *WebhookServer) reject(w http.ResponseWriter, vendor model.Vendor, ip string, err error) {
	var rej *guard.Rejection
	if !errors.As(err, &rej) {
		s.count(vendor, "error")
		s.logger.Error("webhook guard failed", "vendor", vendor, "ip", ip, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "request could not be checked")
		return
	}
	s.count(vendor, string(rej.Kind))
	s.logger.Warn("webhook rejected", "vendor", vendor, "ip", ip, "reason", rej.Reason, "kind", rej.Kind)
	writeError(w, rej.Kind.HTTPStatus(), string(rej.Kind), rej.Reason)
}

func (s *WebhookServer) audit(ctx context.Context, vendor model.Vendor, ip string, valid bool, body []byte, at time.Time) {
	if s.store == nil {
		return
	}
	err := s.store.SaveWebhookEvent(ctx, model.WebhookEvent{
		Vendor:         string(vendor),
		ReceivedIP:     ip,
		SignatureValid: valid,
		Payload:        json.RawMessage(body),
		ReceivedAt:     at,
	})
	if err != nil {
		s.logger.Error("webhook audit failed", "vendor", vendor, "ip", ip, "err", err)
	}
}

func (s *WebhookServer) count(vendor model.Vendor, outcome string) {
	metrics.WebhookRequests.WithLabelValues(string(vendor), outcome).Inc()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
