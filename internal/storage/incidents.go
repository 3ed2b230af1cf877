package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fibertrack/internal/model"
)

const incidentColumns = `id, device_id, hostname, vendor, event_type, severity, status, message, dedup_key,
	ward, pon_id, opened_at, acknowledged_at, resolved_at, mttr_ms, mttd_ms, raw,
	ack_by, complete_by, breached_ack, breached_completion, warned_ack, warned_completion,
	ack_alerted_at, completion_alerted_at, last_alerted_at`

const activeStatuses = `('open', 'ack')`

// OpenIncident inserts inc unless an open/ack incident already holds its dedup
// key. The partial unique index makes the check and the insert one atomic
// statement; on conflict the existing incident is returned with created=false.
func (b *baseStore) OpenIncident(ctx context.Context, inc model.Incident) (model.Incident, bool, error) {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	inc.Status = model.StatusOpen
	for attempt := 0; attempt < 3; attempt++ {
		res, err := b.exec(ctx,
			`INSERT INTO incidents (id, device_id, hostname, vendor, event_type, severity, status, message, dedup_key,
				ward, pon_id, opened_at, raw, ack_by, complete_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			inc.ID, inc.DeviceID, inc.Hostname, string(inc.Vendor), string(inc.EventType), string(inc.Severity),
			string(inc.Status), inc.Message, inc.DedupKey, inc.Ward, inc.PonID, inc.OpenedAt.UTC(), rawJSON(inc.Raw),
			nullableTime(inc.SLA.AckBy), nullableTime(inc.SLA.CompleteBy),
		)
		if err != nil {
			return model.Incident{}, false, fmt.Errorf("insert incident %s: %w", inc.DedupKey, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return model.Incident{}, false, fmt.Errorf("insert incident %s: %w", inc.DedupKey, err)
		}
		if n == 1 {
			created, err := b.GetIncident(ctx, inc.ID)
			return created, true, err
		}
		existing, err := b.FindActiveIncident(ctx, inc.DedupKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.Incident{}, false, err
		}
		// the holder was resolved between our insert and lookup; try again
	}
	return model.Incident{}, false, fmt.Errorf("insert incident %s: %w", inc.DedupKey, ErrConflict)
}

func (b *baseStore) FindActiveIncident(ctx context.Context, dedupKey string) (model.Incident, error) {
	row := b.queryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE dedup_key = ? AND status IN `+activeStatuses,
		dedupKey)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Incident{}, ErrNotFound
	}
	if err != nil {
		return model.Incident{}, fmt.Errorf("find active incident %s: %w", dedupKey, err)
	}
	return inc, nil
}

func (b *baseStore) GetIncident(ctx context.Context, id string) (model.Incident, error) {
	row := b.queryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Incident{}, ErrNotFound
	}
	if err != nil {
		return model.Incident{}, fmt.Errorf("get incident %s: %w", id, err)
	}
	return inc, nil
}

func (b *baseStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]model.Incident, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Hostname != "" {
		where = append(where, "hostname = ?")
		args = append(args, f.Hostname)
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY opened_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := b.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()
	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("list incidents: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// ResolveIncident moves an open/ack incident to resolved and records
// mttr_ms = at - opened_at. Losing a race to another transition yields ErrConflict.
func (b *baseStore) ResolveIncident(ctx context.Context, id string, at time.Time) (model.Incident, error) {
	inc, err := b.GetIncident(ctx, id)
	if err != nil {
		return model.Incident{}, err
	}
	if !inc.Status.Active() {
		return inc, fmt.Errorf("resolve incident %s in status %s: %w", id, inc.Status, ErrConflict)
	}
	at = at.UTC()
	mttr := at.Sub(inc.OpenedAt).Milliseconds()
	return b.transition(ctx, id, activeStatuses,
		`status = 'resolved', resolved_at = ?, mttr_ms = ?`, at, mttr)
}

func (b *baseStore) AckIncident(ctx context.Context, id string, at time.Time) (model.Incident, error) {
	inc, err := b.GetIncident(ctx, id)
	if err != nil {
		return model.Incident{}, err
	}
	if inc.Status != model.StatusOpen {
		return inc, fmt.Errorf("ack incident %s in status %s: %w", id, inc.Status, ErrConflict)
	}
	at = at.UTC()
	mttd := at.Sub(inc.OpenedAt).Milliseconds()
	return b.transition(ctx, id, `('open')`,
		`status = 'ack', acknowledged_at = ?, mttd_ms = ?`, at, mttd)
}

func (b *baseStore) SuppressIncident(ctx context.Context, id string, at time.Time) (model.Incident, error) {
	return b.transition(ctx, id, activeStatuses, `status = 'suppressed', resolved_at = ?`, at.UTC())
}

func (b *baseStore) transition(ctx context.Context, id, from, set string, args ...any) (model.Incident, error) {
	args = append(args, id)
	res, err := b.exec(ctx, `UPDATE incidents SET `+set+` WHERE id = ? AND status IN `+from, args...)
	if err != nil {
		return model.Incident{}, fmt.Errorf("update incident %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Incident{}, fmt.Errorf("update incident %s: %w", id, err)
	}
	if n == 0 {
		return model.Incident{}, fmt.Errorf("update incident %s: %w", id, ErrConflict)
	}
	return b.GetIncident(ctx, id)
}

func (b *baseStore) UpdateIncidentSLA(ctx context.Context, id string, sla model.SLA) error {
	return b.updateSLA(ctx, "incidents", id, sla)
}

// updateSLA only ever raises flags and fills empty stamps, so concurrent or
// stale writers cannot clear a breach.
func (b *baseStore) updateSLA(ctx context.Context, table, id string, sla model.SLA) error {
	_, err := b.exec(ctx,
		`UPDATE `+table+` SET
			ack_by = COALESCE(ack_by, ?),
			complete_by = COALESCE(complete_by, ?),
			breached_ack = (breached_ack OR ?),
			breached_completion = (breached_completion OR ?),
			warned_ack = (warned_ack OR ?),
			warned_completion = (warned_completion OR ?),
			ack_alerted_at = COALESCE(ack_alerted_at, ?),
			completion_alerted_at = COALESCE(completion_alerted_at, ?),
			last_alerted_at = COALESCE(?, last_alerted_at)
		WHERE id = ?`,
		nullableTime(sla.AckBy), nullableTime(sla.CompleteBy),
		sla.BreachedAck, sla.BreachedCompletion, sla.WarnedAck, sla.WarnedCompletion,
		nullableTime(sla.AckAlertedAt), nullableTime(sla.CompletionAlertedAt), nullableTime(sla.LastAlertedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("update %s sla %s: %w", table, id, err)
	}
	return nil
}

func (b *baseStore) AppendSignal(ctx context.Context, sig model.Signal) error {
	_, err := b.exec(ctx,
		`INSERT INTO incident_signals (incident_id, received_at, severity, status, message) VALUES (?, ?, ?, ?, ?)`,
		sig.IncidentID, sig.ReceivedAt.UTC(), sig.Severity, sig.Status, sig.Message)
	if err != nil {
		return fmt.Errorf("append signal %s: %w", sig.IncidentID, err)
	}
	return nil
}

func (b *baseStore) ListSignals(ctx context.Context, incidentID string) ([]model.Signal, error) {
	rows, err := b.query(ctx,
		`SELECT incident_id, received_at, severity, status, message FROM incident_signals
		WHERE incident_id = ? ORDER BY received_at`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list signals %s: %w", incidentID, err)
	}
	defer rows.Close()
	var out []model.Signal
	for rows.Next() {
		var s model.Signal
		if err := rows.Scan(&s.IncidentID, &s.ReceivedAt, &s.Severity, &s.Status, &s.Message); err != nil {
			return nil, fmt.Errorf("list signals %s: %w", incidentID, err)
		}
		s.ReceivedAt = s.ReceivedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanIncident(row rowScanner) (model.Incident, error) {
	var (
		inc                                 model.Incident
		vendor, eventType, severity, status string
		ackedAt, resolvedAt                 sql.NullTime
		mttr, mttd                          sql.NullInt64
		raw                                 sql.NullString
		sla                                 slaColumns
	)
	if err := row.Scan(&inc.ID, &inc.DeviceID, &inc.Hostname, &vendor, &eventType, &severity, &status,
		&inc.Message, &inc.DedupKey, &inc.Ward, &inc.PonID, &inc.OpenedAt, &ackedAt, &resolvedAt,
		&mttr, &mttd, &raw,
		&sla.ackBy, &sla.completeBy, &sla.breachedAck, &sla.breachedCompletion, &sla.warnedAck, &sla.warnedCompletion,
		&sla.ackAlertedAt, &sla.completionAlertedAt, &sla.lastAlertedAt); err != nil {
		return model.Incident{}, err
	}
	inc.Vendor = model.Vendor(vendor)
	inc.EventType = model.EventType(eventType)
	inc.Severity = model.Priority(severity)
	inc.Status = model.IncidentStatus(status)
	inc.OpenedAt = inc.OpenedAt.UTC()
	inc.AcknowledgedAt = timePtr(ackedAt)
	inc.ResolvedAt = timePtr(resolvedAt)
	inc.MTTRMs = int64Ptr(mttr)
	inc.MTTDMs = int64Ptr(mttd)
	if raw.Valid && raw.String != "" {
		inc.Raw = []byte(raw.String)
	}
	inc.SLA = sla.toSLA()
	return inc, nil
}

type slaColumns struct {
	ackBy, completeBy                                            sql.NullTime
	breachedAck, breachedCompletion, warnedAck, warnedCompletion bool
	ackAlertedAt, completionAlertedAt, lastAlertedAt             sql.NullTime
}

func (c slaColumns) toSLA() model.SLA {
	return model.SLA{
		AckBy:               timePtr(c.ackBy),
		CompleteBy:          timePtr(c.completeBy),
		BreachedAck:         c.breachedAck,
		BreachedCompletion:  c.breachedCompletion,
		WarnedAck:           c.warnedAck,
		WarnedCompletion:    c.warnedCompletion,
		AckAlertedAt:        timePtr(c.ackAlertedAt),
		CompletionAlertedAt: timePtr(c.completionAlertedAt),
		LastAlertedAt:       timePtr(c.lastAlertedAt),
	}
}
