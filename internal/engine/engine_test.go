package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"fibertrack/internal/activity"
	"fibertrack/internal/config"
	"fibertrack/internal/events"
	"fibertrack/internal/model"
	"fibertrack/internal/storage"
	"fibertrack/internal/storage/storagetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	eng   *Engine
	store storage.Store
	pub   *recordingPublisher
	act   *activity.Store
	mu    sync.Mutex
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: storagetest.New(t), pub: &recordingPublisher{}, act: activity.NewStore(100), now: t0}
	h.eng = NewEngine(config.DefaultConfig(), nil, h.store, h.pub, h.act)
	h.eng.SetClock(func() time.Time {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.now
	})
	return h
}

func (h *harness) at(d time.Duration) {
	h.mu.Lock()
	h.now = t0.Add(d)
	h.mu.Unlock()
}

func (h *harness) active(t *testing.T) []model.Incident {
	t.Helper()
	list, err := h.store.ListIncidents(context.Background(), storage.IncidentFilter{
		Statuses: []model.IncidentStatus{model.StatusOpen, model.StatusAck},
	})
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	return list
}

func event(host string, et model.EventType) model.NormalizedEvent {
	p := model.P4
	switch et {
	case model.EventDown:
		p = model.P1
	case model.EventOpticalLow:
		p = model.P2
	}
	return model.NormalizedEvent{Vendor: model.VendorLibreNMS, Hostname: host, EventType: et, Priority: p, Message: string(et)}
}

func TestDownThenDuplicateThenUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.eng.Process(ctx, event("OLT-1", model.EventDown))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Action != ActionOpened || out.DedupKey != "librenms|olt-1|down" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	first := out.Incident
	if first.Status != model.StatusOpen || first.Severity != model.P1 {
		t.Fatalf("unexpected incident %+v", first)
	}
	if first.SLA.AckBy == nil || !first.SLA.AckBy.Equal(t0.Add(15*time.Minute)) {
		t.Fatalf("p1 ack deadline not applied: %+v", first.SLA)
	}

	h.at(time.Second)
	out, err = h.eng.Process(ctx, event("OLT-1", model.EventDown))
	if err != nil {
		t.Fatalf("process duplicate: %v", err)
	}
	if out.Action != ActionDuplicate || out.IncidentID() != first.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.ID, out)
	}
	if n := len(h.active(t)); n != 1 {
		t.Fatalf("expected exactly one active incident, got %d", n)
	}

	h.at(60 * time.Second)
	out, err = h.eng.Process(ctx, event("OLT-1", model.EventUp))
	if err != nil {
		t.Fatalf("process up: %v", err)
	}
	if out.Action != ActionResolved || out.IncidentID() != first.ID {
		t.Fatalf("expected resolve of %s, got %+v", first.ID, out)
	}
	if out.Incident.MTTRMs == nil || *out.Incident.MTTRMs != 60000 {
		t.Fatalf("expected mttr 60000, got %v", out.Incident.MTTRMs)
	}
	if n := len(h.active(t)); n != 0 {
		t.Fatalf("expected no active incidents, got %d", n)
	}
	want := []string{events.IncidentOpened, events.IncidentResolved}
	got := h.pub.types()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("published %v, want %v", got, want)
	}
	device, err := h.store.GetDevice(ctx, "olt-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.Status != model.DeviceUp || device.Vendor != "librenms" {
		t.Fatalf("device not updated: %+v", device)
	}
}

func TestClearWithoutIncidentIsNoop(t *testing.T) {
	h := newHarness(t)
	out, err := h.eng.Process(context.Background(), event("olt-2", model.EventClear))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Action != ActionNoop || out.Incident != nil {
		t.Fatalf("expected noop, got %+v", out)
	}
	all, err := h.store.ListIncidents(context.Background(), storage.IncidentFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("clear created incidents: %+v", all)
	}
}

func TestOpticalClearResolvesBothKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, et := range []model.EventType{model.EventDown, model.EventOpticalLow} {
		if out, err := h.eng.Process(ctx, event("olt-3", et)); err != nil || out.Action != ActionOpened {
			t.Fatalf("open %s: %+v %v", et, out, err)
		}
	}
	h.at(time.Minute)
	clear := event("olt-3", model.EventClear)
	clear.Message = "optical signal recovered"
	out, err := h.eng.Process(ctx, clear)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Action != ActionResolved || len(out.Resolved) != 2 {
		t.Fatalf("expected both incidents resolved, got %+v", out)
	}

	// a plain clear leaves optical_low alone
	h.at(2 * time.Minute)
	if _, err := h.eng.Process(ctx, event("olt-3", model.EventOpticalLow)); err != nil {
		t.Fatalf("reopen optical: %v", err)
	}
	out, err = h.eng.Process(ctx, event("olt-3", model.EventUp))
	if err != nil {
		t.Fatalf("process up: %v", err)
	}
	if out.Action != ActionNoop {
		t.Fatalf("expected noop, got %+v", out)
	}
	if n := len(h.active(t)); n != 1 {
		t.Fatalf("expected optical incident to stay open, got %d active", n)
	}
}

func TestMaintenanceSuppression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.SaveDevice(ctx, model.Device{Hostname: "olt-ward", Ward: "W-12"}); err != nil {
		t.Fatalf("save device: %v", err)
	}
	windows := []model.MaintenanceWindow{
		{Title: "splice", Approved: true, StartAt: t0.Add(-time.Hour), EndAt: t0.Add(time.Hour), DeviceHostnames: []string{"OLT-9"}},
		{Title: "ward work", Approved: true, StartAt: t0.Add(-time.Hour), EndAt: t0.Add(time.Hour), Wards: []string{"w-12"}},
		{Title: "pending approval", Approved: false, StartAt: t0.Add(-time.Hour), EndAt: t0.Add(time.Hour), DeviceHostnames: []string{"olt-10"}},
	}
	for _, w := range windows {
		if err := h.store.SaveMaintenanceWindow(ctx, w); err != nil {
			t.Fatalf("save window: %v", err)
		}
	}

	cases := []struct {
		host string
		want Action
	}{
		{"olt-9", ActionSuppressed},
		{"olt-ward", ActionSuppressed},
		{"olt-10", ActionOpened},
	}
	for _, tc := range cases {
		out, err := h.eng.Process(ctx, event(tc.host, model.EventDown))
		if err != nil {
			t.Fatalf("%s: %v", tc.host, err)
		}
		if out.Action != tc.want {
			t.Errorf("%s: got %s want %s", tc.host, out.Action, tc.want)
		}
	}
	if n := len(h.active(t)); n != 1 {
		t.Fatalf("expected only the unapproved-window host to open, got %d", n)
	}

	// after the window ends the same host pages normally
	h.at(2 * time.Hour)
	out, err := h.eng.Process(ctx, event("olt-9", model.EventDown))
	if err != nil || out.Action != ActionOpened {
		t.Fatalf("expected open after window, got %+v %v", out, err)
	}
}

func TestConcurrentFaultsOpenOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[Action]int{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.eng.Process(ctx, event("olt-race", model.EventDown))
			if err != nil {
				t.Errorf("process: %v", err)
				return
			}
			mu.Lock()
			counts[out.Action]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if counts[ActionOpened] != 1 || counts[ActionDuplicate] != workers-1 {
		t.Fatalf("unexpected action counts %v", counts)
	}
	if n := len(h.active(t)); n != 1 {
		t.Fatalf("expected one active incident, got %d", n)
	}
}

func TestDuplicateSignalsAreThrottled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out, err := h.eng.Process(ctx, event("olt-4", model.EventDown))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id := out.IncidentID()
	for _, d := range []time.Duration{time.Second, 2 * time.Second, 2 * time.Minute} {
		h.at(d)
		if _, err := h.eng.Process(ctx, event("olt-4", model.EventDown)); err != nil {
			t.Fatalf("duplicate at %v: %v", d, err)
		}
	}
	signals, err := h.store.ListSignals(ctx, id)
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("expected 2 throttled signals, got %d", len(signals))
	}
}

func TestAcknowledgeAndManualResolve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out, err := h.eng.Process(ctx, event("olt-5", model.EventDown))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h.at(5 * time.Minute)
	inc, err := h.eng.Acknowledge(ctx, out.IncidentID())
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if inc.Status != model.StatusAck || inc.MTTDMs == nil || *inc.MTTDMs != 300000 {
		t.Fatalf("unexpected ack %+v", inc)
	}
	if _, err := h.eng.Acknowledge(ctx, out.IncidentID()); err == nil {
		t.Fatalf("second ack should conflict")
	}

	// ack keeps the dedup key busy
	if dup, err := h.eng.Process(ctx, event("olt-5", model.EventDown)); err != nil || dup.Action != ActionDuplicate {
		t.Fatalf("expected duplicate while acked, got %+v %v", dup, err)
	}

	h.at(10 * time.Minute)
	inc, err = h.eng.Resolve(ctx, out.IncidentID())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if inc.MTTRMs == nil || *inc.MTTRMs != 600000 {
		t.Fatalf("unexpected mttr %v", inc.MTTRMs)
	}
	if len(h.act.List(0)) != 4 {
		t.Fatalf("expected 4 activity entries, got %+v", h.act.List(0))
	}
}

func TestOpticalSamplesRecordedWhenSuppressed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	err := h.store.SaveMaintenanceWindow(ctx, model.MaintenanceWindow{
		Title: "swap", Approved: true, StartAt: t0.Add(-time.Hour), EndAt: t0.Add(time.Hour), DeviceHostnames: []string{"olt-6"},
	})
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	ev := event("olt-6", model.EventOpticalLow)
	ev.Optical = []model.OpticalSample{{OnuID: "onu-1", Direction: model.DirectionRX, PowerDBm: -27.5, TakenAt: t0}}
	out, err := h.eng.Process(ctx, ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Action != ActionSuppressed || out.Readings != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	readings, err := h.store.ListOpticalReadings(ctx, "olt-6", t0.Add(-time.Hour))
	if err != nil || len(readings) != 1 {
		t.Fatalf("readings: %+v %v", readings, err)
	}
}

func TestDedupKey(t *testing.T) {
	cases := []struct {
		vendor model.Vendor
		host   string
		et     model.EventType
		want   string
	}{
		{model.VendorLibreNMS, " OLT-1 ", model.EventDown, "librenms|olt-1|down"},
		{model.VendorZabbix, "", model.EventOpticalLow, "zabbix|unknown|optical_low"},
		{model.VendorGeneric, "sw-1", "", "generic|sw-1|unknown"},
	}
	for _, tc := range cases {
		if got := DedupKey(tc.vendor, tc.host, tc.et); got != tc.want {
			t.Errorf("DedupKey(%q,%q,%q) = %q, want %q", tc.vendor, tc.host, tc.et, got, tc.want)
		}
	}
}
