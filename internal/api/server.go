package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fibertrack/internal/activity"
	"fibertrack/internal/config"
	"fibertrack/internal/logging"
	"fibertrack/internal/model"
	"fibertrack/internal/sla"
	"fibertrack/internal/storage"
)

type IncidentControl interface {
	Acknowledge(ctx context.Context, id string) (model.Incident, error)
	Resolve(ctx context.Context, id string) (model.Incident, error)
}

type ScanControl interface {
	RunOnce(ctx context.Context) (sla.Report, error)
	LastReport() (sla.Report, bool)
	Running() bool
}

type OpticalEvaluator interface {
	Alerts(ctx context.Context, hostname string, now time.Time, cfg config.OpticalConfig) ([]model.OpticalAlert, error)
}

type Deps struct {
	Store     storage.Store
	Incidents IncidentControl
	Scanner   ScanControl
	Optical   OpticalEvaluator
	Activity  *activity.Store
}

type Server struct {
	cfg     *config.Manager
	deps    Deps
	logger  *slog.Logger
	version string
	now     func() time.Time
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	Storage    storageStatus `json:"storage"`
	Ingest     ingestStatus  `json:"ingest"`
	Events     string        `json:"events"`
	Scanner    scannerStatus `json:"scanner"`
}

type storageStatus struct {
	Driver string `json:"driver"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type ingestStatus struct {
	WebhookAddr  string `json:"webhook_addr"`
	TestEndpoint bool   `json:"test_endpoint"`
	Kafka        bool   `json:"kafka"`
	RateLimit    string `json:"rate_limit"`
}

type scannerStatus struct {
	Interval string      `json:"interval"`
	Running  bool        `json:"running"`
	Last     *sla.Report `json:"last,omitempty"`
}

type maintenanceRequest struct {
	Title           string    `json:"title"`
	Approved        bool      `json:"approved"`
	StartAt         time.Time `json:"start_at"`
	EndAt           time.Time `json:"end_at"`
	DeviceHostnames []string  `json:"device_hostnames"`
	Wards           []string  `json:"wards"`
	PonIDs          []string  `json:"pon_ids"`
}

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{cfg: cfg, deps: deps, logger: logger, version: version, now: time.Now}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /incidents", s.handleIncidents)
	mux.HandleFunc("GET /incidents/{id}", s.handleIncident)
	mux.HandleFunc("POST /incidents/{id}/ack", s.handleAck)
	mux.HandleFunc("POST /incidents/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /optical/{hostname}/alerts", s.handleOpticalAlerts)
	mux.HandleFunc("GET /maintenance", s.handleListMaintenance)
	mux.HandleFunc("POST /maintenance", s.handleCreateMaintenance)
	mux.HandleFunc("POST /sla/scan", s.handleScan)
	mux.HandleFunc("GET /activity", s.handleActivity)
	mux.HandleFunc("POST /admin/clear", s.handleClear)
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, server *Server, logger *slog.Logger) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       s.now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Storage:    storageStatus{Driver: cfg.Storage.Driver, OK: true},
		Ingest: ingestStatus{
			WebhookAddr:  cfg.Webhook.Addr,
			TestEndpoint: cfg.Webhook.TestEndpoint,
			Kafka:        cfg.KafkaIngest.Enabled,
			RateLimit:    cfg.Webhook.RateLimit.Backend,
		},
		Events:  cfg.Events.Driver,
		Scanner: scannerStatus{Interval: cfg.SLA.ScanInterval.String()},
	}
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Storage.OK = false
		resp.Storage.Error = err.Error()
	}
	if s.deps.Scanner != nil {
		resp.Scanner.Running = s.deps.Scanner.Running()
		if rep, ok := s.deps.Scanner.LastReport(); ok {
			resp.Scanner.Last = &rep
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.IncidentFilter{
		Hostname: strings.ToLower(strings.TrimSpace(q.Get("hostname"))),
		Limit:    parseLimit(q.Get("limit"), 100),
	}
	for _, raw := range strings.Split(q.Get("status"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		switch st := model.IncidentStatus(raw); st {
		case model.StatusOpen, model.StatusAck, model.StatusResolved, model.StatusSuppressed:
			filter.Statuses = append(filter.Statuses, st)
		default:
			writeError(w, http.StatusBadRequest, "bad_request", "unknown status "+raw)
			return
		}
	}
	list, err := s.deps.Store.ListIncidents(r.Context(), filter)
	if err != nil {
		s.internal(w, "list incidents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": nonNil(list), "count": len(list)})
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inc, err := s.deps.Store.GetIncident(r.Context(), id)
	if err != nil {
		s.storeError(w, "get incident", err)
		return
	}
	signals, err := s.deps.Store.ListSignals(r.Context(), id)
	if err != nil {
		s.internal(w, "list signals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident": inc, "signals": nonNil(signals)})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	inc, err := s.deps.Incidents.Acknowledge(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "acknowledge incident", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident": inc})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	inc, err := s.deps.Incidents.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "resolve incident", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident": inc})
}

func (s *Server) handleOpticalAlerts(w http.ResponseWriter, r *http.Request) {
	host := strings.ToLower(strings.TrimSpace(r.PathValue("hostname")))
	alerts, err := s.deps.Optical.Alerts(r.Context(), host, s.now().UTC(), s.cfg.Get().Optical)
	if err != nil {
		s.internal(w, "optical alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hostname": host, "alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleListMaintenance(w http.ResponseWriter, r *http.Request) {
	var (
		list []model.MaintenanceWindow
		err  error
	)
	if r.URL.Query().Get("active") == "true" {
		list, err = s.deps.Store.ActiveMaintenanceWindows(r.Context(), s.now().UTC())
	} else {
		list, err = s.deps.Store.ListMaintenanceWindows(r.Context(), parseLimit(r.URL.Query().Get("limit"), 100))
	}
	if err != nil {
		s.internal(w, "list maintenance windows", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": nonNil(list), "count": len(list)})
}

func (s *Server) handleCreateMaintenance(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "could not read body")
		return
	}
	var req maintenanceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	win := model.MaintenanceWindow{
		ID:              uuid.NewString(),
		Title:           strings.TrimSpace(req.Title),
		Approved:        req.Approved,
		StartAt:         req.StartAt.UTC(),
		EndAt:           req.EndAt.UTC(),
		DeviceHostnames: lowerAll(sanitize(req.DeviceHostnames)),
		Wards:           sanitize(req.Wards),
		PonIDs:          sanitize(req.PonIDs),
		CreatedAt:       s.now().UTC(),
	}
	if msg := validateWindow(win); msg != "" {
		writeError(w, http.StatusBadRequest, "bad_request", msg)
		return
	}
	if err := s.deps.Store.SaveMaintenanceWindow(r.Context(), win); err != nil {
		s.internal(w, "save maintenance window", err)
		return
	}
	s.logger.Info("maintenance window created", "id", win.ID, "title", win.Title, "approved", win.Approved,
		"start_at", win.StartAt, "end_at", win.EndAt)
	writeJSON(w, http.StatusCreated, map[string]any{"window": win})
}

func validateWindow(w model.MaintenanceWindow) string {
	switch {
	case w.Title == "":
		return "title required"
	case w.StartAt.IsZero() || w.EndAt.IsZero():
		return "start_at and end_at required"
	case w.EndAt.Before(w.StartAt):
		return "end_at must not be before start_at"
	case len(w.DeviceHostnames)+len(w.Wards)+len(w.PonIDs) == 0:
		return "at least one of device_hostnames, wards, pon_ids required"
	}
	return ""
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Scanner.RunOnce(r.Context())
	if errors.Is(err, sla.ErrScanInProgress) {
		writeError(w, http.StatusConflict, "scan_in_progress", err.Error())
		return
	}
	if err != nil {
		s.internal(w, "sla scan", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rep})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var list []activity.Entry
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be RFC 3339")
			return
		}
		list = s.deps.Activity.Since(ts)
	} else {
		list = s.deps.Activity.List(parseLimit(r.URL.Query().Get("limit"), 0))
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": list, "count": len(list)})
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.deps.Activity.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "incident not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.internal(w, op, err)
	}
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "err", err)
	writeError(w, http.StatusInternalServerError, "internal", op+" failed")
}

func parseLimit(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func sanitize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func lowerAll(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToLower(v)
	}
	return values
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
