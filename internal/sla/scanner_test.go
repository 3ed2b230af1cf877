package sla

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fibertrack/internal/config"
	"fibertrack/internal/model"
	"fibertrack/internal/storage"
	"fibertrack/internal/storage/storagetest"
)

var now0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sent struct {
	recipients []string
	subject    string
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []sent
	err   error
	block chan struct{}
}

func (f *fakeNotifier) Notify(_ context.Context, recipients []string, subject, _ string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{recipients: recipients, subject: subject})
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSuppressor struct {
	hosts map[string]bool
}

func (f fakeSuppressor) IsSuppressed(_ context.Context, _ time.Time, hostname string, _ *model.Device) (bool, error) {
	return f.hosts[hostname], nil
}

func newScanner(t *testing.T, n *fakeNotifier, sup Suppressor) (*Scanner, storage.Store, *time.Time) {
	t.Helper()
	store := storagetest.New(t)
	cfg := config.DefaultConfig()
	cfg.SLA.IncidentRecipients = []string{"noc@example.net"}
	clock := now0
	s := NewScanner(cfg, nil, store, n, sup, nil)
	s.SetClock(func() time.Time { return clock })
	return s, store, &clock
}

func ptr(t time.Time) *time.Time { return &t }

func saveTask(t *testing.T, store storage.Store, task model.Task) {
	t.Helper()
	if err := store.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("save task: %v", err)
	}
}

func getTask(t *testing.T, store storage.Store, id string) model.Task {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func overdueTask() model.Task {
	return model.Task{
		ID:            "task-1",
		Title:         "Splice feeder 4",
		Type:          "stringing",
		Priority:      "medium",
		Status:        model.TaskInProgress,
		AssigneeEmail: "tech@example.net",
		CreatorEmail:  "lead@example.net",
		CreatedAt:     now0.Add(-3 * time.Hour),
		AcceptedAt:    ptr(now0.Add(-150 * time.Minute)),
		SLA: model.SLA{
			AckBy:      ptr(now0.Add(-2 * time.Hour)),
			CompleteBy: ptr(now0.Add(-time.Hour)),
		},
	}
}

func TestCompletionBreachNotifiesOnce(t *testing.T) {
	n := &fakeNotifier{}
	s, store, clock := newScanner(t, n, nil)
	saveTask(t, store, overdueTask())
	ctx := context.Background()

	rep, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rep.Breaches != 1 || rep.Notified != 1 || n.count() != 1 {
		t.Fatalf("unexpected first scan %+v, sent %d", rep, n.count())
	}
	if n.sent[0].subject != "[SLA COMPLETION BREACH] Splice feeder 4" {
		t.Fatalf("unexpected subject %q", n.sent[0].subject)
	}
	if len(n.sent[0].recipients) != 2 {
		t.Fatalf("expected assignee and creator, got %v", n.sent[0].recipients)
	}
	task := getTask(t, store, "task-1")
	if !task.SLA.BreachedCompletion || task.SLA.CompletionAlertedAt == nil || task.SLA.LastAlertedAt == nil {
		t.Fatalf("breach not recorded: %+v", task.SLA)
	}
	if task.SLA.BreachedAck {
		t.Fatalf("accepted task must not breach ack")
	}

	*clock = now0.Add(time.Minute)
	rep, err = s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if rep.Notified != 0 || rep.Breaches != 0 || n.count() != 1 {
		t.Fatalf("second scan should be silent: %+v", rep)
	}
	if !getTask(t, store, "task-1").SLA.BreachedCompletion {
		t.Fatalf("breach flag reset")
	}
}

func TestFailedNotificationRetriesNextScan(t *testing.T) {
	n := &fakeNotifier{err: errors.New("smtp down")}
	s, store, clock := newScanner(t, n, nil)
	saveTask(t, store, overdueTask())
	ctx := context.Background()

	rep, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rep.NotifyFailures != 1 || rep.Breaches != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	task := getTask(t, store, "task-1")
	if !task.SLA.BreachedCompletion || task.SLA.CompletionAlertedAt != nil || task.SLA.LastAlertedAt != nil {
		t.Fatalf("failed delivery must set the flag but not the stamps: %+v", task.SLA)
	}

	n.mu.Lock()
	n.err = nil
	n.mu.Unlock()
	*clock = now0.Add(15 * time.Minute)
	rep, err = s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("retry scan: %v", err)
	}
	if rep.Notified != 1 || rep.Breaches != 0 || n.count() != 1 {
		t.Fatalf("expected one retried notification, got %+v", rep)
	}
}

func TestBreachAlertsSpacedByCooldown(t *testing.T) {
	n := &fakeNotifier{}
	s, store, clock := newScanner(t, n, nil)
	task := overdueTask()
	task.AcceptedAt = nil
	saveTask(t, store, task)
	ctx := context.Background()

	rep, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rep.Breaches != 2 || rep.Notified != 1 {
		t.Fatalf("expected two breaches and one alert, got %+v", rep)
	}
	if n.sent[0].subject != "[SLA ACK BREACH] Splice feeder 4" {
		t.Fatalf("unexpected first alert %q", n.sent[0].subject)
	}

	*clock = now0.Add(30 * time.Minute)
	if rep, _ = s.RunOnce(ctx); rep.Notified != 0 {
		t.Fatalf("cooldown not honoured: %+v", rep)
	}

	*clock = now0.Add(time.Hour)
	if rep, _ = s.RunOnce(ctx); rep.Notified != 1 {
		t.Fatalf("completion alert should follow the cooldown: %+v", rep)
	}
	if n.sent[1].subject != "[SLA COMPLETION BREACH] Splice feeder 4" {
		t.Fatalf("unexpected second alert %q", n.sent[1].subject)
	}

	*clock = now0.Add(3 * time.Hour)
	if rep, _ = s.RunOnce(ctx); rep.Notified != 0 {
		t.Fatalf("each breach type alerts once: %+v", rep)
	}
}

func TestWarningSentOnce(t *testing.T) {
	n := &fakeNotifier{}
	s, store, clock := newScanner(t, n, nil)
	task := overdueTask()
	task.SLA.CompleteBy = ptr(now0.Add(30 * time.Minute))
	saveTask(t, store, task)
	ctx := context.Background()

	rep, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rep.Warnings != 1 || n.count() != 1 || n.sent[0].subject != "[SLA COMPLETION WARNING] Splice feeder 4" {
		t.Fatalf("expected one warning, got %+v %+v", rep, n.sent)
	}
	*clock = now0.Add(10 * time.Minute)
	if rep, _ = s.RunOnce(ctx); rep.Warnings != 0 || n.count() != 1 {
		t.Fatalf("warning repeated: %+v", rep)
	}
	if !getTask(t, store, "task-1").SLA.WarnedCompletion {
		t.Fatalf("warned flag not persisted")
	}
}

func TestMissingDeadlinesFilledFromPolicy(t *testing.T) {
	n := &fakeNotifier{}
	s, store, _ := newScanner(t, n, nil)
	saveTask(t, store, model.Task{
		ID: "task-2", Title: "CAC check", Type: "cac_check", Priority: "critical",
		Status: model.TaskPending, CreatedAt: now0.Add(-3 * time.Hour),
	})
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	task := getTask(t, store, "task-2")
	if task.SLA.AckBy == nil || !task.SLA.AckBy.Equal(now0.Add(-time.Hour)) {
		t.Fatalf("ack deadline not filled: %+v", task.SLA)
	}
	if !task.SLA.BreachedAck {
		t.Fatalf("expected ack breach for a 2h critical cac_check created 3h ago")
	}
}

func TestIncidentScanAndMaintenance(t *testing.T) {
	n := &fakeNotifier{}
	s, store, _ := newScanner(t, n, fakeSuppressor{hosts: map[string]bool{"olt-quiet": true}})
	ctx := context.Background()
	open := func(host string) model.Incident {
		inc, created, err := store.OpenIncident(ctx, model.Incident{
			Hostname: host, Vendor: model.VendorZabbix, EventType: model.EventDown, Severity: model.P1,
			DedupKey: "zabbix|" + host + "|down", OpenedAt: now0.Add(-20 * time.Minute),
			SLA: model.SLA{AckBy: ptr(now0.Add(-5 * time.Minute)), CompleteBy: ptr(now0.Add(4 * time.Hour))},
		})
		if err != nil || !created {
			t.Fatalf("open %s: %v", host, err)
		}
		return inc
	}
	loud := open("olt-loud")
	quiet := open("olt-quiet")

	rep, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rep.IncidentsScanned != 2 || rep.Suppressed != 1 || rep.Breaches != 1 || rep.Notified != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if n.sent[0].subject != "[SLA ACK BREACH] p1 down on olt-loud" || n.sent[0].recipients[0] != "noc@example.net" {
		t.Fatalf("unexpected alert %+v", n.sent[0])
	}
	got, _ := store.GetIncident(ctx, quiet.ID)
	if got.Status != model.StatusSuppressed {
		t.Fatalf("expected suppressed, got %s", got.Status)
	}
	got, _ = store.GetIncident(ctx, loud.ID)
	if !got.SLA.BreachedAck || got.Status != model.StatusOpen {
		t.Fatalf("unexpected loud incident %+v", got)
	}
}

func TestRunOnceIsSingleFlight(t *testing.T) {
	n := &fakeNotifier{block: make(chan struct{})}
	s, store, _ := newScanner(t, n, nil)
	saveTask(t, store, overdueTask())

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for !s.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("scan never started")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("expected ErrScanInProgress, got %v", err)
	}
	close(n.block)
	if err := <-done; err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if _, ok := s.LastReport(); !ok {
		t.Fatalf("last report not kept")
	}
}
