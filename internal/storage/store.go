package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fibertrack/internal/config"
	"fibertrack/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	UpsertDevice(ctx context.Context, hostname string, metadata map[string]any, seenAt time.Time) (model.Device, error)
	GetDevice(ctx context.Context, hostname string) (model.Device, error)
	SaveDevice(ctx context.Context, d model.Device) error
	SetDeviceStatus(ctx context.Context, hostname string, status model.DeviceStatus) error

	OpenIncident(ctx context.Context, inc model.Incident) (model.Incident, bool, error)
	FindActiveIncident(ctx context.Context, dedupKey string) (model.Incident, error)
	GetIncident(ctx context.Context, id string) (model.Incident, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]model.Incident, error)
	ResolveIncident(ctx context.Context, id string, at time.Time) (model.Incident, error)
	AckIncident(ctx context.Context, id string, at time.Time) (model.Incident, error)
	SuppressIncident(ctx context.Context, id string, at time.Time) (model.Incident, error)
	UpdateIncidentSLA(ctx context.Context, id string, sla model.SLA) error
	AppendSignal(ctx context.Context, sig model.Signal) error
	ListSignals(ctx context.Context, incidentID string) ([]model.Signal, error)

	SaveMaintenanceWindow(ctx context.Context, w model.MaintenanceWindow) error
	ActiveMaintenanceWindows(ctx context.Context, now time.Time) ([]model.MaintenanceWindow, error)
	ListMaintenanceWindows(ctx context.Context, limit int) ([]model.MaintenanceWindow, error)

	SaveOpticalReading(ctx context.Context, r model.OpticalReading) error
	ListOpticalReadings(ctx context.Context, hostname string, since time.Time) ([]model.OpticalReading, error)

	SaveTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (model.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]model.Task, error)
	UpdateTaskSLA(ctx context.Context, id string, sla model.SLA) error

	SaveWebhookEvent(ctx context.Context, ev model.WebhookEvent) error
	CountWebhookEvents(ctx context.Context, vendor string) (int, error)
}

type IncidentFilter struct {
	Statuses []model.IncidentStatus
	Hostname string
	Limit    int
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		s, err = NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		s, err = NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		if b, ok := s.(interface{ setMaxOpenConns(int) }); ok {
			b.setMaxOpenConns(cfg.MaxOpenConns)
		}
	}
	return s, nil
}

// dialect carries the statements that differ between engines; everything
// else is shared and written with ? placeholders.
type dialect struct {
	rebind        func(query string) string
	mergeMetadata string
	isConflict    func(err error) bool
}

type baseStore struct {
	db *sql.DB
	d  dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *baseStore) setMaxOpenConns(n int) {
	b.db.SetMaxOpenConns(n)
}

func (b *baseStore) q(query string) string {
	if b.d.rebind == nil {
		return query
	}
	return b.d.rebind(query)
}

func (b *baseStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := b.db.ExecContext(ctx, b.q(query), args...)
	if err != nil && b.d.isConflict != nil && b.d.isConflict(err) {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return res, err
}

func (b *baseStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return b.db.QueryRowContext(ctx, b.q(query), args...)
}

func (b *baseStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.db.QueryContext(ctx, b.q(query), args...)
}

// dollarRebind rewrites ? placeholders to $1..$n.
func dollarRebind(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
