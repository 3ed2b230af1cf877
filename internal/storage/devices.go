package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fibertrack/internal/model"
)

const deviceColumns = `id, hostname, vendor, management_ip, ward, pon_id, status, last_seen_at, metadata, created_at`

// UpsertDevice creates the device on first sighting, otherwise merges metadata
// key-wise and refreshes last-seen. hostname must already be normalized.
func (b *baseStore) UpsertDevice(ctx context.Context, hostname string, metadata map[string]any, seenAt time.Time) (model.Device, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	seenAt = seenAt.UTC()
	_, err := b.exec(ctx,
		`INSERT INTO devices (id, hostname, vendor, status, last_seen_at, metadata, created_at)
		VALUES (?, ?, 'unknown', 'unknown', ?, ?, ?)
		ON CONFLICT (hostname) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			metadata = `+b.d.mergeMetadata,
		uuid.NewString(), hostname, seenAt, encodeJSON(metadata), seenAt,
	)
	if err != nil {
		return model.Device{}, fmt.Errorf("upsert device %s: %w", hostname, err)
	}
	return b.GetDevice(ctx, hostname)
}

func (b *baseStore) GetDevice(ctx context.Context, hostname string) (model.Device, error) {
	row := b.queryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE hostname = ?`, hostname)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("get device %s: %w", hostname, err)
	}
	return d, nil
}

// SaveDevice writes operator-managed attributes (ward, PON, vendor, IP).
func (b *baseStore) SaveDevice(ctx context.Context, d model.Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = model.DeviceUnknown
	}
	if d.Vendor == "" {
		d.Vendor = "unknown"
	}
	now := nowUTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.LastSeenAt.IsZero() {
		d.LastSeenAt = now
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	_, err := b.exec(ctx,
		`INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hostname) DO UPDATE SET
			vendor = excluded.vendor,
			management_ip = excluded.management_ip,
			ward = excluded.ward,
			pon_id = excluded.pon_id`,
		d.ID, d.Hostname, d.Vendor, d.ManagementIP, d.Ward, d.PonID, string(d.Status),
		d.LastSeenAt.UTC(), encodeJSON(d.Metadata), d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.Hostname, err)
	}
	return nil
}

func (b *baseStore) SetDeviceStatus(ctx context.Context, hostname string, status model.DeviceStatus) error {
	_, err := b.exec(ctx, `UPDATE devices SET status = ? WHERE hostname = ?`, string(status), hostname)
	if err != nil {
		return fmt.Errorf("set device status %s: %w", hostname, err)
	}
	return nil
}

func scanDevice(row rowScanner) (model.Device, error) {
	var (
		d      model.Device
		status string
		meta   sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Hostname, &d.Vendor, &d.ManagementIP, &d.Ward, &d.PonID,
		&status, &d.LastSeenAt, &meta, &d.CreatedAt); err != nil {
		return model.Device{}, err
	}
	d.Status = model.DeviceStatus(status)
	d.LastSeenAt = d.LastSeenAt.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	d.Metadata = map[string]any{}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &d.Metadata); err != nil {
			return model.Device{}, fmt.Errorf("decode device metadata: %w", err)
		}
	}
	return d, nil
}
