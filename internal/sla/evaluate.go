package sla

import (
	"context"
	"fmt"
	"time"

	"fibertrack/internal/events"
	"fibertrack/internal/metrics"
	"fibertrack/internal/model"
)

// item is the part of a task or incident the breach rules look at.
type item struct {
	target     string
	id         string
	title      string
	acked      bool
	completed  bool
	sla        model.SLA
	recipients []string
}

type deadline struct {
	kind     string
	at       *time.Time
	done     bool
	breached bool
	warned   bool
	alerted  *time.Time
}

// evaluate returns only what has to change. Flags are raised, never cleared,
// and stamps are written only after a successful delivery so a failed alert
// is retried next tick.
func (s *Scanner) evaluate(ctx context.Context, it item, now time.Time, st *scanSettings, rep *Report) model.SLA {
	var update model.SLA
	checks := []deadline{
		{kind: "ack", at: it.sla.AckBy, done: it.acked, breached: it.sla.BreachedAck, warned: it.sla.WarnedAck, alerted: it.sla.AckAlertedAt},
		{kind: "completion", at: it.sla.CompleteBy, done: it.completed, breached: it.sla.BreachedCompletion, warned: it.sla.WarnedCompletion, alerted: it.sla.CompletionAlertedAt},
	}
	canAlert := it.sla.LastAlertedAt == nil || now.Sub(*it.sla.LastAlertedAt) >= st.cooldown

	for _, d := range checks {
		if d.at == nil || d.done {
			continue
		}
		if !d.breached && now.After(*d.at) {
			d.breached = true
			setBreached(&update, d.kind)
			rep.Breaches++
			metrics.SLABreaches.WithLabelValues(it.target, d.kind).Inc()
			s.logger.Warn("sla breached", "target", it.target, "id", it.id, "kind", d.kind, "deadline", *d.at)
			events.Emit(ctx, s.publisher, s.logger, events.New(events.SLABreached, it.id, now, map[string]any{
				"target":   it.target,
				"id":       it.id,
				"kind":     d.kind,
				"deadline": d.at.UTC(),
			}))
		}

		if d.breached {
			if d.alerted != nil || !canAlert {
				continue
			}
			subject := fmt.Sprintf("[SLA %s BREACH] %s", label(d.kind), it.title)
			body := fmt.Sprintf("%s %s missed its %s deadline of %s.", it.target, it.id, d.kind, d.at.UTC().Format(time.RFC3339))
			if s.deliver(ctx, it, subject, body, rep) {
				stamp := now
				setAlerted(&update, d.kind, &stamp)
				update.LastAlertedAt = &stamp
				canAlert = false
			}
			continue
		}

		if d.warned || st.warnWindow <= 0 || d.at.Sub(now) > st.warnWindow {
			continue
		}
		subject := fmt.Sprintf("[SLA %s WARNING] %s", label(d.kind), it.title)
		body := fmt.Sprintf("%s %s reaches its %s deadline at %s.", it.target, it.id, d.kind, d.at.UTC().Format(time.RFC3339))
		if s.deliver(ctx, it, subject, body, rep) {
			setWarned(&update, d.kind)
			rep.Warnings++
		}
	}
	return update
}

func (s *Scanner) deliver(ctx context.Context, it item, subject, body string, rep *Report) bool {
	if s.notifier == nil {
		return false
	}
	if err := s.notifier.Notify(ctx, it.recipients, subject, body); err != nil {
		rep.NotifyFailures++
		s.logger.Warn("sla notification failed", "target", it.target, "id", it.id, "subject", subject, "err", err)
		return false
	}
	rep.Notified++
	return true
}

func label(kind string) string {
	if kind == "ack" {
		return "ACK"
	}
	return "COMPLETION"
}

func setBreached(u *model.SLA, kind string) {
	if kind == "ack" {
		u.BreachedAck = true
	} else {
		u.BreachedCompletion = true
	}
}

func setWarned(u *model.SLA, kind string) {
	if kind == "ack" {
		u.WarnedAck = true
	} else {
		u.WarnedCompletion = true
	}
}

func setAlerted(u *model.SLA, kind string, at *time.Time) {
	if kind == "ack" {
		u.AckAlertedAt = at
	} else {
		u.CompletionAlertedAt = at
	}
}
