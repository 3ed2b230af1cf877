package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fibertrack/internal/model"
	"fibertrack/internal/storage"
)

type DeviceResolver struct {
	store storage.Store
}

func NewDeviceResolver(store storage.Store) *DeviceResolver {
	return &DeviceResolver{store: store}
}

// Resolve upserts the device keyed by the normalized hostname, merging
// metadata and refreshing last-seen. It returns nil for an empty hostname.
func (r *DeviceResolver) Resolve(ctx context.Context, hostname string, metadata map[string]any, seenAt time.Time) (*model.Device, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return nil, nil
	}
	device, err := r.store.UpsertDevice(ctx, hostname, metadata, seenAt)
	if err != nil {
		return nil, err
	}
	vendor, _ := metadata["vendor"].(string)
	if vendor != "" && (device.Vendor == "" || device.Vendor == "unknown") {
		device.Vendor = vendor
		if err := r.store.SaveDevice(ctx, device); err != nil {
			return nil, fmt.Errorf("set vendor on %s: %w", hostname, err)
		}
	}
	return &device, nil
}

func (r *DeviceResolver) Lookup(ctx context.Context, hostname string) (*model.Device, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return nil, nil
	}
	device, err := r.store.GetDevice(ctx, hostname)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}
