package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fibertrack/internal/model"
	"fibertrack/internal/storage"
	"fibertrack/internal/storage/storagetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newIncident(key string, at time.Time) model.Incident {
	return model.Incident{
		Hostname:  "olt-1",
		Vendor:    model.VendorLibreNMS,
		EventType: model.EventDown,
		Severity:  model.P1,
		DedupKey:  key,
		OpenedAt:  at,
		Raw:       []byte(`{"hostname":"OLT-1"}`),
	}
}

func TestOpenIncidentIsConditional(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()
	first, created, err := s.OpenIncident(ctx, newIncident("librenms|olt-1|down", t0))
	if err != nil || !created {
		t.Fatalf("first open: created=%v err=%v", created, err)
	}
	second, created, err := s.OpenIncident(ctx, newIncident("librenms|olt-1|down", t0.Add(time.Second)))
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("duplicate key opened a second incident")
	}
	if string(first.Raw) != `{"hostname":"OLT-1"}` {
		t.Fatalf("raw snapshot %s", first.Raw)
	}
}

func TestOpenIncidentConcurrent(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := s.OpenIncident(ctx, newIncident("zabbix|olt-2|down", t0.Add(time.Duration(i)*time.Millisecond)))
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if createdCount != 1 {
		t.Fatalf("expected exactly one created incident, got %d", createdCount)
	}
	list, err := s.ListIncidents(ctx, storage.IncidentFilter{Statuses: []model.IncidentStatus{model.StatusOpen, model.StatusAck}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one active incident, got %d", len(list))
	}
}

func TestResolveFreesDedupKey(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()
	inc, _, err := s.OpenIncident(ctx, newIncident("librenms|olt-1|down", t0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resolved, err := s.ResolveIncident(ctx, inc.ID, t0.Add(90*time.Second))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != model.StatusResolved || resolved.MTTRMs == nil || *resolved.MTTRMs != 90000 {
		t.Fatalf("resolved incident %+v", resolved)
	}
	if _, err := s.ResolveIncident(ctx, inc.ID, t0.Add(2*time.Minute)); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second resolve err = %v", err)
	}
	if _, err := s.FindActiveIncident(ctx, inc.DedupKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("find active err = %v", err)
	}
	reopened, created, err := s.OpenIncident(ctx, newIncident("librenms|olt-1|down", t0.Add(5*time.Minute)))
	if err != nil || !created || reopened.ID == inc.ID {
		t.Fatalf("reopen after resolve: created=%v err=%v", created, err)
	}
}

func TestAckIncident(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()
	inc, _, _ := s.OpenIncident(ctx, newIncident("librenms|olt-1|down", t0))
	acked, err := s.AckIncident(ctx, inc.ID, t0.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if acked.Status != model.StatusAck || acked.MTTDMs == nil || *acked.MTTDMs != 300000 {
		t.Fatalf("acked %+v", acked)
	}
	if _, err := s.AckIncident(ctx, inc.ID, t0.Add(6*time.Minute)); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("double ack err = %v", err)
	}
	if _, _, err := s.OpenIncident(ctx, newIncident("librenms|olt-1|down", t0.Add(time.Hour))); err != nil {
		t.Fatalf("open during ack: %v", err)
	}
	list, _ := s.ListIncidents(ctx, storage.IncidentFilter{Hostname: "olt-1"})
	if len(list) != 1 {
		t.Fatalf("ack status must still hold the dedup key, got %d incidents", len(list))
	}
}

func TestUpsertDeviceMergesMetadata(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()
	d, err := s.UpsertDevice(ctx, "olt-1", map[string]any{"vendor": "librenms", "source": "webhook"}, t0)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if d.Metadata["vendor"] != "librenms" || !d.LastSeenAt.Equal(t0) {
		t.Fatalf("device %+v", d)
	}
	d2, err := s.UpsertDevice(ctx, "olt-1", map[string]any{"vendor": "zabbix", "rack": "r1"}, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if d2.ID != d.ID {
		t.Fatalf("device identity changed")
	}
	if d2.Metadata["vendor"] != "zabbix" || d2.Metadata["source"] != "webhook" || d2.Metadata["rack"] != "r1" {
		t.Fatalf("metadata not merged: %v", d2.Metadata)
	}
	if !d2.LastSeenAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("last seen %s", d2.LastSeenAt)
	}
}

func TestActiveMaintenanceWindows(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()
	windows := []model.MaintenanceWindow{
		{Title: "active", Approved: true, StartAt: t0.Add(-time.Hour), EndAt: t0.Add(time.Hour), Wards: []string{"ward-4"}},
		{Title: "unapproved", Approved: false, StartAt: t0.Add(-time.Hour), EndAt: t0.Add(time.Hour)},
		{Title: "expired", Approved: true, StartAt: t0.Add(-3 * time.Hour), EndAt: t0.Add(-2 * time.Hour)},
		{Title: "boundary", Approved: true, StartAt: t0, EndAt: t0},
	}
	for _, w := range windows {
		if err := s.SaveMaintenanceWindow(ctx, w); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	active, err := s.ActiveMaintenanceWindows(ctx, t0)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active windows, got %d", len(active))
	}
	for _, w := range active {
		if w.Title == "active" && (len(w.Wards) != 1 || w.Wards[0] != "ward-4") {
			t.Fatalf("selectors lost: %+v", w)
		}
	}
}

func TestUpdateSLAIsMonotonic(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()
	due := t0.Add(-time.Hour)
	task := model.Task{ID: "task-1", Title: "Splice", Type: "maintenance", Priority: "high", Status: model.TaskPending,
		CreatedAt: t0.Add(-48 * time.Hour), SLA: model.SLA{CompleteBy: &due}}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("save task: %v", err)
	}
	alerted := t0
	if err := s.UpdateTaskSLA(ctx, "task-1", model.SLA{BreachedCompletion: true, CompletionAlertedAt: &alerted, LastAlertedAt: &alerted}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateTaskSLA(ctx, "task-1", model.SLA{}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.SLA.BreachedCompletion || got.SLA.CompletionAlertedAt == nil || got.SLA.LastAlertedAt == nil {
		t.Fatalf("sla state regressed: %+v", got.SLA)
	}
	if got.SLA.CompleteBy == nil || !got.SLA.CompleteBy.Equal(due) {
		t.Fatalf("deadline lost: %+v", got.SLA)
	}
}

func TestOpticalReadingsOrdered(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()
	for i, v := range []float64{-20, -21.5, -24} {
		r := model.OpticalReading{Hostname: "olt-1", OnuID: "7", Direction: model.DirectionRX, PowerDBm: v,
			TakenAt: t0.Add(time.Duration(i) * time.Minute), Source: "librenms"}
		if err := s.SaveOpticalReading(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	list, err := s.ListOpticalReadings(ctx, "olt-1", t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].PowerDBm != -21.5 || list[1].PowerDBm != -24 {
		t.Fatalf("readings %+v", list)
	}
}

func TestWebhookAudit(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()
	for _, valid := range []bool{true, false} {
		ev := model.WebhookEvent{Vendor: "zabbix", ReceivedIP: "10.0.0.1", SignatureValid: valid, Payload: []byte(`{}`)}
		if err := s.SaveWebhookEvent(ctx, ev); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	n, err := s.CountWebhookEvents(ctx, "zabbix")
	if err != nil || n != 2 {
		t.Fatalf("count=%d err=%v", n, err)
	}
}
