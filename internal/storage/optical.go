package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fibertrack/internal/model"
)

func (b *baseStore) SaveOpticalReading(ctx context.Context, r model.OpticalReading) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	var baseline any
	if r.Baseline != nil {
		baseline = *r.Baseline
	}
	_, err := b.exec(ctx,
		`INSERT INTO optical_readings (id, device_id, hostname, port, onu_id, direction, power_dbm, baseline, taken_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DeviceID, r.Hostname, r.Port, r.OnuID, string(r.Direction), r.PowerDBm, baseline, r.TakenAt.UTC(), r.Source,
	)
	if err != nil {
		return fmt.Errorf("save optical reading %s: %w", r.Hostname, err)
	}
	return nil
}

// ListOpticalReadings returns readings for hostname taken at or after since, oldest first.
func (b *baseStore) ListOpticalReadings(ctx context.Context, hostname string, since time.Time) ([]model.OpticalReading, error) {
	rows, err := b.query(ctx,
		`SELECT id, device_id, hostname, port, onu_id, direction, power_dbm, baseline, taken_at, source
		FROM optical_readings WHERE hostname = ? AND taken_at >= ? ORDER BY taken_at, id`,
		hostname, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list optical readings %s: %w", hostname, err)
	}
	defer rows.Close()
	var out []model.OpticalReading
	for rows.Next() {
		var (
			r         model.OpticalReading
			direction string
			baseline  sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Hostname, &r.Port, &r.OnuID, &direction, &r.PowerDBm,
			&baseline, &r.TakenAt, &r.Source); err != nil {
			return nil, fmt.Errorf("scan optical reading: %w", err)
		}
		r.Direction = model.Direction(direction)
		r.TakenAt = r.TakenAt.UTC()
		if baseline.Valid {
			v := baseline.Float64
			r.Baseline = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
