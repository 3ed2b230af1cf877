package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fibertrack",
			Name:      "webhook_requests_total",
			Help:      "Inbound webhook requests by vendor and outcome.",
		},
		[]string{"vendor", "outcome"},
	)
	IncidentActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fibertrack",
			Name:      "incident_actions_total",
			Help:      "Correlator decisions per normalized event.",
		},
		[]string{"action"},
	)
	IncidentMTTR = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fibertrack",
			Name:      "incident_mttr_seconds",
			Help:      "Time from open to resolve for resolved incidents.",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 72 * 3600},
		},
	)
	SLABreaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fibertrack",
			Name:      "sla_breaches_total",
			Help:      "Breach flags raised by the SLA scanner.",
		},
		[]string{"target", "kind"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fibertrack",
			Name:      "notifications_total",
			Help:      "Notification attempts by channel and result.",
		},
		[]string{"channel", "result"},
	)
	SLAScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fibertrack",
			Name:      "sla_scan_duration_seconds",
			Help:      "Wall time of one SLA scan.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	SLAScansSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fibertrack",
			Name:      "sla_scans_skipped_total",
			Help:      "Scanner ticks skipped because a scan was still running.",
		},
	)
	OpticalReadings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fibertrack",
			Name:      "optical_readings_total",
			Help:      "Optical power samples recorded by direction.",
		},
		[]string{"direction"},
	)
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fibertrack",
			Name:      "events_published_total",
			Help:      "Lifecycle events handed to the bus by type and result.",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		WebhookRequests,
		IncidentActions,
		IncidentMTTR,
		SLABreaches,
		Notifications,
		SLAScanDuration,
		SLAScansSkipped,
		OpticalReadings,
		EventsPublished,
	)
}

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
