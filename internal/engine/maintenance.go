package engine

import (
	"context"
	"strings"
	"time"

	"fibertrack/internal/model"
	"fibertrack/internal/storage"
)

type MaintenanceFilter struct {
	store storage.Store
}

func NewMaintenanceFilter(store storage.Store) *MaintenanceFilter {
	return &MaintenanceFilter{store: store}
}

// IsSuppressed reports whether an approved window active at now selects the
// hostname, or the device's ward or PON. device may be nil.
func (f *MaintenanceFilter) IsSuppressed(ctx context.Context, now time.Time, hostname string, device *model.Device) (bool, error) {
	_, ok, err := f.Covering(ctx, now, hostname, device)
	return ok, err
}

func (f *MaintenanceFilter) Covering(ctx context.Context, now time.Time, hostname string, device *model.Device) (model.MaintenanceWindow, bool, error) {
	windows, err := f.store.ActiveMaintenanceWindows(ctx, now)
	if err != nil {
		return model.MaintenanceWindow{}, false, err
	}
	for _, w := range windows {
		if Selects(w, hostname, device) {
			return w, true, nil
		}
	}
	return model.MaintenanceWindow{}, false, nil
}

// Selects ignores approval and time; callers pass windows already known active.
func Selects(w model.MaintenanceWindow, hostname string, device *model.Device) bool {
	host := strings.ToLower(strings.TrimSpace(hostname))
	if device != nil && host == "" {
		host = device.Hostname
	}
	if host != "" && containsFold(w.DeviceHostnames, host) {
		return true
	}
	if device == nil {
		return false
	}
	if device.Ward != "" && containsFold(w.Wards, device.Ward) {
		return true
	}
	return device.PonID != "" && containsFold(w.PonIDs, device.PonID)
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}
