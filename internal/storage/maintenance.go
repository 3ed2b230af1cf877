package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fibertrack/internal/model"
)

const maintenanceColumns = `id, title, approved, start_at, end_at, device_hostnames, wards, pon_ids, created_at`

func (b *baseStore) SaveMaintenanceWindow(ctx context.Context, w model.MaintenanceWindow) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = nowUTC()
	}
	_, err := b.exec(ctx,
		`INSERT INTO maintenance_windows (`+maintenanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Title, w.Approved, w.StartAt.UTC(), w.EndAt.UTC(),
		encodeJSON(nonNil(w.DeviceHostnames)), encodeJSON(nonNil(w.Wards)), encodeJSON(nonNil(w.PonIDs)),
		w.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save maintenance window: %w", err)
	}
	return nil
}

// ActiveMaintenanceWindows returns approved windows with start_at <= now <= end_at.
func (b *baseStore) ActiveMaintenanceWindows(ctx context.Context, now time.Time) ([]model.MaintenanceWindow, error) {
	now = now.UTC()
	return b.listMaintenance(ctx,
		`SELECT `+maintenanceColumns+` FROM maintenance_windows
		WHERE approved = TRUE AND start_at <= ? AND end_at >= ? ORDER BY start_at`,
		now, now)
}

func (b *baseStore) ListMaintenanceWindows(ctx context.Context, limit int) ([]model.MaintenanceWindow, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.listMaintenance(ctx,
		`SELECT `+maintenanceColumns+` FROM maintenance_windows ORDER BY start_at DESC LIMIT ?`, limit)
}

func (b *baseStore) listMaintenance(ctx context.Context, query string, args ...any) ([]model.MaintenanceWindow, error) {
	rows, err := b.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list maintenance windows: %w", err)
	}
	defer rows.Close()
	var out []model.MaintenanceWindow
	for rows.Next() {
		var (
			w                    model.MaintenanceWindow
			hosts, wards, ponIDs string
		)
		if err := rows.Scan(&w.ID, &w.Title, &w.Approved, &w.StartAt, &w.EndAt, &hosts, &wards, &ponIDs, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan maintenance window: %w", err)
		}
		w.StartAt = w.StartAt.UTC()
		w.EndAt = w.EndAt.UTC()
		w.CreatedAt = w.CreatedAt.UTC()
		for _, pair := range []struct {
			raw string
			dst *[]string
		}{{hosts, &w.DeviceHostnames}, {wards, &w.Wards}, {ponIDs, &w.PonIDs}} {
			if err := json.Unmarshal([]byte(pair.raw), pair.dst); err != nil {
				return nil, fmt.Errorf("decode maintenance selectors %s: %w", w.ID, err)
			}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
