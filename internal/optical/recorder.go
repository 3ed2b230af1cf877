package optical

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fibertrack/internal/config"
	"fibertrack/internal/metrics"
	"fibertrack/internal/model"
	"fibertrack/internal/storage"
)

// Recorder appends optical samples and evaluates the recent series per host.
type Recorder struct {
	store storage.Store
}

func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{store: store}
}

// Record writes one reading per sample. device may be nil for unattributed events.
func (r *Recorder) Record(ctx context.Context, device *model.Device, hostname, source string, samples []model.OpticalSample) (int, error) {
	written := 0
	for _, s := range samples {
		reading := model.OpticalReading{
			ID:        uuid.NewString(),
			Hostname:  hostname,
			Port:      s.Port,
			OnuID:     s.OnuID,
			Direction: s.Direction,
			PowerDBm:  s.PowerDBm,
			TakenAt:   s.TakenAt.UTC(),
			Source:    source,
		}
		if reading.Direction == "" {
			reading.Direction = model.DirectionRX
		}
		if device != nil {
			reading.DeviceID = device.ID
		}
		if err := r.store.SaveOpticalReading(ctx, reading); err != nil {
			return written, fmt.Errorf("record optical reading for %s: %w", hostname, err)
		}
		metrics.OpticalReadings.WithLabelValues(string(reading.Direction)).Inc()
		written++
	}
	return written, nil
}

// Alerts evaluates the readings of hostname inside cfg.Window ending at now.
func (r *Recorder) Alerts(ctx context.Context, hostname string, now time.Time, cfg config.OpticalConfig) ([]model.OpticalAlert, error) {
	readings, err := r.store.ListOpticalReadings(ctx, hostname, now.Add(-cfg.Window))
	if err != nil {
		return nil, err
	}
	return Evaluate(readings, cfg.Bands, cfg.DriftDB), nil
}
