package optical

import (
	"math"
	"sort"

	"fibertrack/internal/config"
	"fibertrack/internal/model"
)

const (
	SeverityCritical = "critical"
	SeverityMajor    = "major"
)

type series struct {
	direction model.Direction
	onuID     string
	port      string
	first     float64
	last      float64
}

// Evaluate groups readings by direction and ONU (or port when no ONU is
// known) and compares each group's latest value against the band for its
// direction. A swing of at least driftDB between the first and last reading
// is major on its own. Groups without a finding are omitted.
func Evaluate(readings []model.OpticalReading, bands map[string]config.BandConfig, driftDB float64) []model.OpticalAlert {
	ordered := make([]model.OpticalReading, len(readings))
	copy(ordered, readings)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TakenAt.Before(ordered[j].TakenAt)
	})

	groups := make(map[string]*series)
	for _, r := range ordered {
		key := groupKey(r)
		g, ok := groups[key]
		if !ok {
			g = &series{direction: r.Direction, onuID: r.OnuID, port: r.Port, first: r.PowerDBm}
			groups[key] = g
		}
		g.last = r.PowerDBm
	}

	out := make([]model.OpticalAlert, 0, len(groups))
	for key, g := range groups {
		delta := math.Round((g.last-g.first)*100) / 100
		severity := classify(g.last, delta, bands[string(g.direction)], driftDB)
		if severity == "" {
			continue
		}
		out = append(out, model.OpticalAlert{
			Key:       key,
			Direction: g.direction,
			OnuID:     g.onuID,
			Port:      g.port,
			LastValue: g.last,
			Delta:     delta,
			Severity:  severity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func groupKey(r model.OpticalReading) string {
	id := r.OnuID
	if id == "" {
		id = r.Port
	}
	if id == "" {
		id = "-"
	}
	return string(r.Direction) + ":" + id
}

func classify(last, delta float64, band config.BandConfig, driftDB float64) string {
	zero := config.BandConfig{}
	if band != zero && (last < band.HardLow || last > band.HardHigh) {
		return SeverityCritical
	}
	if band != zero && (last < band.SoftLow || last > band.SoftHigh) {
		return SeverityMajor
	}
	if driftDB > 0 && math.Abs(delta) >= driftDB {
		return SeverityMajor
	}
	return ""
}
