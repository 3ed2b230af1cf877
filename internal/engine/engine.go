package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fibertrack/internal/activity"
	"fibertrack/internal/config"
	"fibertrack/internal/events"
	"fibertrack/internal/logging"
	"fibertrack/internal/metrics"
	"fibertrack/internal/model"
	"fibertrack/internal/optical"
	"fibertrack/internal/sla"
	"fibertrack/internal/storage"
)

type Action string

const (
	ActionOpened     Action = "opened"
	ActionDuplicate  Action = "duplicate"
	ActionResolved   Action = "resolved"
	ActionNoop       Action = "noop"
	ActionSuppressed Action = "suppressed"
)

// Outcome describes what the correlator did with one event.
type Outcome struct {
	Action   Action           `json:"action"`
	DedupKey string           `json:"dedup_key"`
	Incident *model.Incident  `json:"incident,omitempty"`
	Resolved []model.Incident `json:"resolved,omitempty"`
	Readings int              `json:"readings,omitempty"`
}

func (o Outcome) IncidentID() string {
	if o.Incident != nil {
		return o.Incident.ID
	}
	return ""
}

type settings struct {
	policy         sla.Policy
	signalThrottle time.Duration
}

type Engine struct {
	logger      *slog.Logger
	store       storage.Store
	publisher   events.Publisher
	activity    *activity.Store
	resolver    *DeviceResolver
	maintenance *MaintenanceFilter
	recorder    *optical.Recorder
	signals     *DedupeCache
	settings    atomic.Pointer[settings]
	now         func() time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, store storage.Store, publisher events.Publisher, activityStore *activity.Store) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	e := &Engine{
		logger:      logger,
		store:       store,
		publisher:   publisher,
		activity:    activityStore,
		resolver:    NewDeviceResolver(store),
		maintenance: NewMaintenanceFilter(store),
		recorder:    optical.NewRecorder(store),
		signals:     NewDedupeCache(),
		now:         time.Now,
	}
	e.UpdateConfig(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.settings.Store(&settings{
		policy:         sla.NewPolicy(cfg.SLA),
		signalThrottle: cfg.Correlation.SignalThrottle,
	})
}

// SetClock replaces the time source; used by tests and replays.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Stored times are millisecond precision so mttr_ms is exact on every driver.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

func (e *Engine) Maintenance() *MaintenanceFilter { return e.maintenance }
func (e *Engine) Recorder() *optical.Recorder     { return e.recorder }

// DedupKey is vendor|hostname|eventType with empty parts as "unknown".
func DedupKey(vendor model.Vendor, hostname string, eventType model.EventType) string {
	host := strings.ToLower(strings.TrimSpace(hostname))
	if host == "" {
		host = "unknown"
	}
	et := string(eventType)
	if et == "" {
		et = string(model.EventUnknown)
	}
	return string(vendor) + "|" + host + "|" + et
}

// Process runs resolver, maintenance filter and correlator for one event.
// Storage errors on the correlation path are returned so the sender retries;
// the dedup key makes the retry safe.
func (e *Engine) Process(ctx context.Context, ev model.NormalizedEvent) (Outcome, error) {
	now := e.clock()
	if ev.EventType == "" {
		ev.EventType = model.EventUnknown
	}
	if ev.Source == "" {
		ev.Source = "webhook"
	}
	key := DedupKey(ev.Vendor, ev.Hostname, ev.EventType)

	device, err := e.resolver.Resolve(ctx, ev.Hostname, map[string]any{
		"vendor": string(ev.Vendor),
		"source": ev.Source,
	}, now)
	if err != nil {
		e.logger.Error("device resolve failed", "hostname", ev.Hostname, "err", err)
		return Outcome{}, fmt.Errorf("resolve device %q: %w", ev.Hostname, err)
	}

	readings := 0
	if len(ev.Optical) > 0 {
		readings, err = e.recorder.Record(ctx, device, ev.Hostname, string(ev.Vendor), ev.Optical)
		if err != nil {
			e.logger.Warn("optical capture failed", "hostname", ev.Hostname, "recorded", readings, "err", err)
		}
	}
	if device != nil {
		e.updateDeviceStatus(ctx, device.Hostname, ev.EventType)
	}

	suppressed, err := e.maintenance.IsSuppressed(ctx, now, ev.Hostname, device)
	if err != nil {
		e.logger.Error("maintenance lookup failed", "hostname", ev.Hostname, "err", err)
		return Outcome{}, fmt.Errorf("maintenance lookup: %w", err)
	}

	var out Outcome
	switch {
	case suppressed:
		out = Outcome{Action: ActionSuppressed, DedupKey: key}
	case ev.EventType.Clearing():
		out, err = e.clear(ctx, ev, now)
	default:
		out, err = e.open(ctx, ev, key, device, now)
	}
	if err != nil {
		e.logger.Error("correlation failed", "dedup_key", key, "err", err)
		return Outcome{}, err
	}
	out.Readings = readings
	e.record(ev, out, now)
	return out, nil
}

func (e *Engine) open(ctx context.Context, ev model.NormalizedEvent, key string, device *model.Device, now time.Time) (Outcome, error) {
	s := e.settings.Load()
	ackBy, completeBy := s.policy.IncidentDeadlines(ev.Priority, now)
	inc := model.Incident{
		ID:        uuid.NewString(),
		Hostname:  strings.ToLower(strings.TrimSpace(ev.Hostname)),
		Vendor:    ev.Vendor,
		EventType: ev.EventType,
		Severity:  ev.Priority,
		Status:    model.StatusOpen,
		Message:   ev.Message,
		DedupKey:  key,
		OpenedAt:  now,
		Raw:       ev.Raw,
		SLA:       model.SLA{AckBy: &ackBy, CompleteBy: &completeBy},
	}
	if inc.Severity == "" {
		inc.Severity = model.P4
	}
	if device != nil {
		inc.DeviceID = device.ID
		inc.Ward = device.Ward
		inc.PonID = device.PonID
	}
	stored, created, err := e.store.OpenIncident(ctx, inc)
	if err != nil {
		return Outcome{}, fmt.Errorf("open incident %s: %w", key, err)
	}
	if created {
		e.logger.Info("incident opened", "incident_id", stored.ID, "dedup_key", key, "severity", stored.Severity)
		events.Emit(ctx, e.publisher, e.logger, events.New(events.IncidentOpened, key, now, stored))
		return Outcome{Action: ActionOpened, DedupKey: key, Incident: &stored}, nil
	}
	e.appendSignal(ctx, stored, ev, now)
	return Outcome{Action: ActionDuplicate, DedupKey: key, Incident: &stored}, nil
}

func (e *Engine) appendSignal(ctx context.Context, inc model.Incident, ev model.NormalizedEvent, now time.Time) {
	if e.signals.Seen(inc.ID, now, e.settings.Load().signalThrottle) {
		return
	}
	err := e.store.AppendSignal(ctx, model.Signal{
		IncidentID: inc.ID,
		ReceivedAt: now,
		Severity:   ev.Severity,
		Status:     ev.Status,
		Message:    ev.Message,
	})
	if err != nil {
		e.signals.Forget(inc.ID)
		e.logger.Warn("signal append failed", "incident_id", inc.ID, "err", err)
	}
}

// clear resolves the down incident for the host, and the optical_low one when
// the event text mentions optical.
func (e *Engine) clear(ctx context.Context, ev model.NormalizedEvent, now time.Time) (Outcome, error) {
	keys := []string{DedupKey(ev.Vendor, ev.Hostname, model.EventDown)}
	if mentionsOptical(ev) {
		keys = append(keys, DedupKey(ev.Vendor, ev.Hostname, model.EventOpticalLow))
	}
	out := Outcome{Action: ActionNoop, DedupKey: keys[0]}
	for _, key := range keys {
		inc, err := e.store.FindActiveIncident(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("find incident %s: %w", key, err)
		}
		resolved, err := e.store.ResolveIncident(ctx, inc.ID, now)
		if errors.Is(err, storage.ErrConflict) {
			// another request resolved it first
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("resolve incident %s: %w", inc.ID, err)
		}
		e.resolvedHook(ctx, resolved, now)
		out.Resolved = append(out.Resolved, resolved)
	}
	if len(out.Resolved) > 0 {
		out.Action = ActionResolved
		out.Incident = &out.Resolved[0]
		out.DedupKey = out.Resolved[0].DedupKey
	}
	return out, nil
}

func (e *Engine) resolvedHook(ctx context.Context, inc model.Incident, now time.Time) {
	e.signals.Forget(inc.ID)
	var mttr int64
	if inc.MTTRMs != nil {
		mttr = *inc.MTTRMs
		metrics.IncidentMTTR.Observe(float64(mttr) / 1000)
	}
	e.logger.Info("incident resolved", "incident_id", inc.ID, "dedup_key", inc.DedupKey, "mttr_ms", mttr)
	events.Emit(ctx, e.publisher, e.logger, events.New(events.IncidentResolved, inc.DedupKey, now, inc))
}

func mentionsOptical(ev model.NormalizedEvent) bool {
	text := strings.ToLower(ev.Severity + " " + ev.Status + " " + ev.Message)
	return strings.Contains(text, "optical")
}

func (e *Engine) updateDeviceStatus(ctx context.Context, hostname string, et model.EventType) {
	var status model.DeviceStatus
	switch {
	case et == model.EventDown:
		status = model.DeviceDown
	case et == model.EventOpticalLow:
		status = model.DeviceDegraded
	case et.Clearing():
		status = model.DeviceUp
	default:
		return
	}
	if err := e.store.SetDeviceStatus(ctx, hostname, status); err != nil {
		e.logger.Warn("device status update failed", "hostname", hostname, "status", status, "err", err)
	}
}

// Acknowledge moves an open incident to ack and records MTTD.
func (e *Engine) Acknowledge(ctx context.Context, id string) (model.Incident, error) {
	now := e.clock()
	inc, err := e.store.AckIncident(ctx, id, now)
	if err != nil {
		return inc, err
	}
	e.logger.Info("incident acknowledged", "incident_id", inc.ID, "dedup_key", inc.DedupKey)
	events.Emit(ctx, e.publisher, e.logger, events.New(events.IncidentAcknowledged, inc.DedupKey, now, inc))
	e.activity.Add(activity.Entry{
		Time: now, Vendor: string(inc.Vendor), Hostname: inc.Hostname, EventType: string(inc.EventType),
		Action: "acknowledged", IncidentID: inc.ID,
	})
	return inc, nil
}

// Resolve closes an open or acknowledged incident by operator request.
func (e *Engine) Resolve(ctx context.Context, id string) (model.Incident, error) {
	now := e.clock()
	inc, err := e.store.ResolveIncident(ctx, id, now)
	if err != nil {
		return inc, err
	}
	e.resolvedHook(ctx, inc, now)
	e.activity.Add(activity.Entry{
		Time: now, Vendor: string(inc.Vendor), Hostname: inc.Hostname, EventType: string(inc.EventType),
		Action: "resolved_manually", IncidentID: inc.ID,
	})
	return inc, nil
}

func (e *Engine) record(ev model.NormalizedEvent, out Outcome, now time.Time) {
	metrics.IncidentActions.WithLabelValues(string(out.Action)).Inc()
	if out.Action == ActionSuppressed {
		e.logger.Info("event suppressed by maintenance", "dedup_key", out.DedupKey)
	} else {
		e.logger.Debug("event correlated", "dedup_key", out.DedupKey, "action", out.Action)
	}
	e.activity.Add(activity.Entry{
		Time:       now,
		Vendor:     string(ev.Vendor),
		Hostname:   ev.Hostname,
		EventType:  string(ev.EventType),
		Action:     string(out.Action),
		IncidentID: out.IncidentID(),
		Detail:     ev.Message,
	})
}
