package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fibertrack/internal/config"
	"fibertrack/internal/events"
	"fibertrack/internal/logging"
	"fibertrack/internal/metrics"
	"fibertrack/internal/model"
	"fibertrack/internal/notify"
	"fibertrack/internal/storage"
)

var ErrScanInProgress = errors.New("sla scan already in progress")

// Suppressor answers whether an approved, active maintenance window covers a target.
type Suppressor interface {
	IsSuppressed(ctx context.Context, now time.Time, hostname string, device *model.Device) (bool, error)
}

type Report struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	TasksScanned     int           `json:"tasks_scanned"`
	IncidentsScanned int           `json:"incidents_scanned"`
	Breaches         int           `json:"breaches"`
	Warnings         int           `json:"warnings"`
	Notified         int           `json:"notified"`
	NotifyFailures   int           `json:"notify_failures"`
	Suppressed       int           `json:"suppressed"`
	Errors           int           `json:"errors"`
}

type scanSettings struct {
	policy     Policy
	interval   time.Duration
	cooldown   time.Duration
	warnWindow time.Duration
	recipients []string
}

type Scanner struct {
	logger      *slog.Logger
	store       storage.Store
	notifier    notify.Notifier
	maintenance Suppressor
	publisher   events.Publisher
	settings    atomic.Pointer[scanSettings]
	running     atomic.Bool
	now         func() time.Time

	mu   sync.Mutex
	last *Report
}

func NewScanner(cfg *config.Config, logger *slog.Logger, store storage.Store, notifier notify.Notifier, maintenance Suppressor, publisher events.Publisher) *Scanner {
	if logger == nil {
		logger = logging.Discard()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	s := &Scanner{
		logger:      logger,
		store:       store,
		notifier:    notifier,
		maintenance: maintenance,
		publisher:   publisher,
		now:         time.Now,
	}
	s.UpdateConfig(cfg)
	return s
}

func (s *Scanner) UpdateConfig(cfg *config.Config) {
	s.settings.Store(&scanSettings{
		policy:     NewPolicy(cfg.SLA),
		interval:   cfg.SLA.ScanInterval,
		cooldown:   cfg.SLA.AlertCooldown,
		warnWindow: cfg.SLA.WarnWindow,
		recipients: append([]string(nil), cfg.SLA.IncidentRecipients...),
	})
}

func (s *Scanner) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scanner) Running() bool {
	return s.running.Load()
}

func (s *Scanner) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Run scans immediately and then on every interval until ctx is done.
// A scan in flight when ctx ends still runs to completion.
func (s *Scanner) Run(ctx context.Context) {
	interval := s.settings.Load().interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	s.tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
			if next := s.settings.Load().interval; next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Scanner) tick(ctx context.Context) {
	rep, err := s.RunOnce(context.WithoutCancel(ctx))
	if errors.Is(err, ErrScanInProgress) {
		s.logger.Info("sla scan skipped, previous run still active")
		return
	}
	if err != nil {
		s.logger.Error("sla scan failed", "err", err)
		return
	}
	s.logger.Info("sla scan complete",
		"tasks", rep.TasksScanned, "incidents", rep.IncidentsScanned,
		"breaches", rep.Breaches, "warnings", rep.Warnings, "notified", rep.Notified,
		"notify_failures", rep.NotifyFailures, "suppressed", rep.Suppressed, "errors", rep.Errors,
		"duration", rep.Duration)
}

// RunOnce performs one full scan unless another is in flight, in which case
// it returns ErrScanInProgress without waiting.
func (s *Scanner) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SLAScansSkipped.Inc()
		return Report{}, ErrScanInProgress
	}
	defer s.running.Store(false)

	st := s.settings.Load()
	now := s.now().UTC().Truncate(time.Millisecond)
	rep := Report{StartedAt: now}
	start := time.Now()

	tasks, err := s.store.ListTasksByStatus(ctx, model.TaskPending, model.TaskInProgress, model.TaskOnHold)
	if err != nil {
		return rep, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		rep.TasksScanned++
		s.scanTask(ctx, t, now, st, &rep)
	}

	incidents, err := s.store.ListIncidents(ctx, storage.IncidentFilter{
		Statuses: []model.IncidentStatus{model.StatusOpen, model.StatusAck},
	})
	if err != nil {
		return rep, fmt.Errorf("list incidents: %w", err)
	}
	for _, inc := range incidents {
		rep.IncidentsScanned++
		s.scanIncident(ctx, inc, now, st, &rep)
	}

	rep.Duration = time.Since(start)
	metrics.SLAScanDuration.Observe(rep.Duration.Seconds())
	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
	return rep, nil
}

func (s *Scanner) scanTask(ctx context.Context, t model.Task, now time.Time, st *scanSettings, rep *Report) {
	state := t.SLA
	var fill model.SLA
	if state.AckBy == nil || state.CompleteBy == nil {
		ackBy, completeBy := st.policy.TaskDeadlines(t.Type, t.Priority, t.CreatedAt)
		if state.AckBy == nil {
			state.AckBy, fill.AckBy = &ackBy, &ackBy
		}
		if state.CompleteBy == nil {
			state.CompleteBy, fill.CompleteBy = &completeBy, &completeBy
		}
	}
	it := item{
		target:     "task",
		id:         t.ID,
		title:      t.Title,
		acked:      t.AcceptedAt != nil,
		completed:  t.CompletedAt != nil,
		sla:        state,
		recipients: []string{t.AssigneeEmail, t.CreatorEmail},
	}
	update := s.evaluate(ctx, it, now, st, rep)
	update.AckBy, update.CompleteBy = fill.AckBy, fill.CompleteBy
	if update == (model.SLA{}) {
		return
	}
	if err := s.store.UpdateTaskSLA(ctx, t.ID, update); err != nil {
		rep.Errors++
		s.logger.Error("task sla update failed", "task_id", t.ID, "err", err)
	}
}

func (s *Scanner) scanIncident(ctx context.Context, inc model.Incident, now time.Time, st *scanSettings, rep *Report) {
	if s.maintenance != nil {
		target := &model.Device{Hostname: inc.Hostname, Ward: inc.Ward, PonID: inc.PonID}
		covered, err := s.maintenance.IsSuppressed(ctx, now, inc.Hostname, target)
		if err != nil {
			rep.Errors++
			s.logger.Error("maintenance lookup failed", "incident_id", inc.ID, "err", err)
			return
		}
		if covered {
			s.suppress(ctx, inc, now, rep)
			return
		}
	}

	state := inc.SLA
	var fill model.SLA
	if state.AckBy == nil || state.CompleteBy == nil {
		ackBy, completeBy := st.policy.IncidentDeadlines(inc.Severity, inc.OpenedAt)
		if state.AckBy == nil {
			state.AckBy, fill.AckBy = &ackBy, &ackBy
		}
		if state.CompleteBy == nil {
			state.CompleteBy, fill.CompleteBy = &completeBy, &completeBy
		}
	}
	it := item{
		target:     "incident",
		id:         inc.ID,
		title:      fmt.Sprintf("%s %s on %s", inc.Severity, inc.EventType, hostOrUnknown(inc.Hostname)),
		acked:      inc.AcknowledgedAt != nil,
		completed:  inc.ResolvedAt != nil,
		sla:        state,
		recipients: st.recipients,
	}
	update := s.evaluate(ctx, it, now, st, rep)
	update.AckBy, update.CompleteBy = fill.AckBy, fill.CompleteBy
	if update == (model.SLA{}) {
		return
	}
	if err := s.store.UpdateIncidentSLA(ctx, inc.ID, update); err != nil {
		rep.Errors++
		s.logger.Error("incident sla update failed", "incident_id", inc.ID, "err", err)
	}
}

func (s *Scanner) suppress(ctx context.Context, inc model.Incident, now time.Time, rep *Report) {
	suppressed, err := s.store.SuppressIncident(ctx, inc.ID, now)
	if errors.Is(err, storage.ErrConflict) {
		return
	}
	if err != nil {
		rep.Errors++
		s.logger.Error("incident suppress failed", "incident_id", inc.ID, "err", err)
		return
	}
	rep.Suppressed++
	s.logger.Info("incident suppressed by maintenance", "incident_id", inc.ID, "dedup_key", inc.DedupKey)
	events.Emit(ctx, s.publisher, s.logger, events.New(events.IncidentSuppressed, inc.DedupKey, now, suppressed))
}

func hostOrUnknown(h string) string {
	if strings.TrimSpace(h) == "" {
		return "unknown"
	}
	return h
}
