package model

import (
	"encoding/json"
	"time"
)

type Vendor string

const (
	VendorLibreNMS Vendor = "librenms"
	VendorZabbix   Vendor = "zabbix"
	VendorGeneric  Vendor = "generic"
)

func ParseVendor(s string) (Vendor, bool) {
	switch Vendor(s) {
	case VendorLibreNMS, VendorZabbix, VendorGeneric:
		return Vendor(s), true
	}
	return "", false
}

type EventType string

const (
	EventDown       EventType = "down"
	EventUp         EventType = "up"
	EventOpticalLow EventType = "optical_low"
	EventClear      EventType = "clear"
	EventUnknown    EventType = "unknown"
)

func (t EventType) Clearing() bool {
	return t == EventClear || t == EventUp
}

type Priority string

const (
	P1 Priority = "p1"
	P2 Priority = "p2"
	P3 Priority = "p3"
	P4 Priority = "p4"
)

type IncidentStatus string

const (
	StatusOpen       IncidentStatus = "open"
	StatusAck        IncidentStatus = "ack"
	StatusResolved   IncidentStatus = "resolved"
	StatusSuppressed IncidentStatus = "suppressed"
)

func (s IncidentStatus) Active() bool {
	return s == StatusOpen || s == StatusAck
}

type DeviceStatus string

const (
	DeviceUp       DeviceStatus = "up"
	DeviceDown     DeviceStatus = "down"
	DeviceDegraded DeviceStatus = "degraded"
	DeviceUnknown  DeviceStatus = "unknown"
)

type Direction string

const (
	DirectionRX Direction = "rx"
	DirectionTX Direction = "tx"
)

// NormalizedEvent is the canonical shape every vendor payload is mapped to.
type NormalizedEvent struct {
	Vendor     Vendor          `json:"vendor"`
	Hostname   string          `json:"hostname"`
	Severity   string          `json:"severity"`
	Status     string          `json:"status"`
	EventType  EventType       `json:"event_type"`
	Priority   Priority        `json:"priority"`
	Message    string          `json:"message"`
	ReceivedAt time.Time       `json:"received_at"`
	Source     string          `json:"source,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Optical    []OpticalSample `json:"optical,omitempty"`
}

type OpticalSample struct {
	Port      string    `json:"port,omitempty"`
	OnuID     string    `json:"onu_id,omitempty"`
	Direction Direction `json:"direction"`
	PowerDBm  float64   `json:"power_dbm"`
	TakenAt   time.Time `json:"taken_at"`
}

type Device struct {
	ID           string         `json:"id"`
	Hostname     string         `json:"hostname"`
	Vendor       string         `json:"vendor"`
	ManagementIP string         `json:"management_ip,omitempty"`
	Ward         string         `json:"ward,omitempty"`
	PonID        string         `json:"pon_id,omitempty"`
	Status       DeviceStatus   `json:"status"`
	LastSeenAt   time.Time      `json:"last_seen_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SLA is the deadline and breach sub-state shared by tasks and incidents.
// Breach and warning flags are monotonic.
type SLA struct {
	AckBy               *time.Time `json:"ack_by,omitempty"`
	CompleteBy          *time.Time `json:"complete_by,omitempty"`
	BreachedAck         bool       `json:"breached_ack"`
	BreachedCompletion  bool       `json:"breached_completion"`
	WarnedAck           bool       `json:"warned_ack"`
	WarnedCompletion    bool       `json:"warned_completion"`
	AckAlertedAt        *time.Time `json:"ack_alerted_at,omitempty"`
	CompletionAlertedAt *time.Time `json:"completion_alerted_at,omitempty"`
	LastAlertedAt       *time.Time `json:"last_alerted_at,omitempty"`
}

type Incident struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"device_id,omitempty"`
	Hostname       string          `json:"hostname"`
	Vendor         Vendor          `json:"vendor"`
	EventType      EventType       `json:"event_type"`
	Severity       Priority        `json:"severity"`
	Status         IncidentStatus  `json:"status"`
	Message        string          `json:"message"`
	DedupKey       string          `json:"dedup_key"`
	Ward           string          `json:"ward,omitempty"`
	PonID          string          `json:"pon_id,omitempty"`
	OpenedAt       time.Time       `json:"opened_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	MTTRMs         *int64          `json:"mttr_ms,omitempty"`
	MTTDMs         *int64          `json:"mttd_ms,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	SLA            SLA             `json:"sla"`
}

type Signal struct {
	IncidentID string    `json:"incident_id"`
	ReceivedAt time.Time `json:"received_at"`
	Severity   string    `json:"severity"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
}

type MaintenanceWindow struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Approved        bool      `json:"approved"`
	StartAt         time.Time `json:"start_at"`
	EndAt           time.Time `json:"end_at"`
	DeviceHostnames []string  `json:"device_hostnames,omitempty"`
	Wards           []string  `json:"wards,omitempty"`
	PonIDs          []string  `json:"pon_ids,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type OpticalReading struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id,omitempty"`
	Hostname  string    `json:"hostname"`
	Port      string    `json:"port,omitempty"`
	OnuID     string    `json:"onu_id,omitempty"`
	Direction Direction `json:"direction"`
	PowerDBm  float64   `json:"power_dbm"`
	Baseline  *float64  `json:"baseline,omitempty"`
	TakenAt   time.Time `json:"taken_at"`
	Source    string    `json:"source"`
}

type OpticalAlert struct {
	Key       string    `json:"key"`
	Direction Direction `json:"direction"`
	OnuID     string    `json:"onu_id,omitempty"`
	Port      string    `json:"port,omitempty"`
	LastValue float64   `json:"last_value"`
	Delta     float64   `json:"delta"`
	Severity  string    `json:"severity"`
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskOnHold     TaskStatus = "on_hold"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

type Task struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Type          string     `json:"type"`
	Priority      string     `json:"priority"`
	Status        TaskStatus `json:"status"`
	Ward          string     `json:"ward,omitempty"`
	PonID         string     `json:"pon_id,omitempty"`
	AssigneeEmail string     `json:"assignee_email,omitempty"`
	CreatorEmail  string     `json:"creator_email,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	SLA           SLA        `json:"sla"`
}

type WebhookEvent struct {
	ID             string          `json:"id"`
	Vendor         string          `json:"vendor"`
	ReceivedIP     string          `json:"received_ip"`
	SignatureValid bool            `json:"signature_valid"`
	Payload        json.RawMessage `json:"payload"`
	ReceivedAt     time.Time       `json:"received_at"`
}
