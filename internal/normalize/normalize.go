package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fibertrack/internal/model"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Payload is the tagged union of inbound alert bodies. Vendor selects which
// nested sections are lifted to the top level before the shared mapping runs.
type Payload struct {
	Vendor model.Vendor
	Fields map[string]any
	Raw    []byte
}

func Decode(vendor model.Vendor, body []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Payload{}, fmt.Errorf("%w: body must be a JSON object", ErrMalformedPayload)
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return Payload{Vendor: vendor, Fields: obj, Raw: trimmed}, nil
}

type section struct {
	name string
	keys []string
}

var hoisted = map[model.Vendor][]section{
	model.VendorLibreNMS: {
		{name: "alert", keys: []string{"severity", "state", "msg", "title", "hostname", "sysname"}},
	},
	model.VendorZabbix: {
		{name: "event", keys: []string{"severity", "status", "name"}},
		{name: "trigger", keys: []string{"name", "status", "severity"}},
		{name: "host", keys: []string{"host", "name"}},
	},
}

// flatten builds a lower-cased scalar view of the payload. Top-level keys win
// over hoisted ones; hoisted keys are also reachable as "section.key".
func flatten(p Payload) map[string]string {
	out := make(map[string]string, len(p.Fields))
	for key, val := range p.Fields {
		if s, ok := scalar(val); ok {
			out[strings.ToLower(key)] = s
		}
	}
	for _, sec := range hoisted[p.Vendor] {
		nested, ok := p.Fields[sec.name].(map[string]any)
		if !ok {
			continue
		}
		lowered := make(map[string]any, len(nested))
		for k, v := range nested {
			lowered[strings.ToLower(k)] = v
		}
		for _, key := range sec.keys {
			s, ok := scalar(lowered[key])
			if !ok || s == "" {
				continue
			}
			out[sec.name+"."+key] = s
			if _, exists := out[key]; !exists {
				out[key] = s
			}
		}
	}
	return out
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case json.Number:
		return x.String(), true
	}
	return "", false
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

// Normalize maps any vendor payload to the canonical event.
func Normalize(p Payload, receivedAt time.Time) model.NormalizedEvent {
	f := flatten(p)
	vendor := p.Vendor
	if vendor == "" {
		vendor = model.VendorGeneric
	}
	ev := model.NormalizedEvent{
		Vendor:     vendor,
		Hostname:   NormalizeHostname(firstNonEmpty(f, "hostname", "host", "device", "sysname", "device_name", "host.host", "host.name")),
		Severity:   firstNonEmpty(f, "severity", "priority", "level"),
		Status:     firstNonEmpty(f, "status", "state", "event"),
		Message:    firstNonEmpty(f, "message", "alert", "trigger", "summary", "msg", "title", "event.name", "trigger.name"),
		ReceivedAt: receivedAt.UTC(),
		Raw:        json.RawMessage(p.Raw),
	}
	ev.EventType = explicitEventType(f)
	if ev.EventType == "" {
		ev.EventType = Classify(ev.Severity, ev.Status, ev.Message)
	}
	ev.Priority = PriorityFor(ev.EventType, ev.Severity)
	ev.Optical = opticalSamples(f, ev.ReceivedAt)
	return ev
}

func NormalizeHostname(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func explicitEventType(f map[string]string) model.EventType {
	v := model.EventType(strings.ToLower(firstNonEmpty(f, "eventtype", "event_type")))
	switch v {
	case model.EventDown, model.EventUp, model.EventOpticalLow, model.EventClear, model.EventUnknown:
		return v
	}
	return ""
}

// Classify derives the event type from free text. Order matters: an optical
// low-power message that also says "up" is still optical_low.
func Classify(severity, status, message string) model.EventType {
	text := strings.ToLower(severity + " " + status + " " + message)
	switch {
	case strings.Contains(text, "optical") && containsAny(text, "low", "los", "lofl", "power"):
		return model.EventOpticalLow
	case containsAny(text, "clear", "ok", "recovered", "resolved", "up"):
		return model.EventClear
	case containsAny(text, "down", "problem", "disconnected", "unreachable"):
		return model.EventDown
	case containsAny(text, "up", "available", "connected"):
		return model.EventUp
	}
	return model.EventUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func PriorityFor(t model.EventType, severity string) model.Priority {
	switch t {
	case model.EventDown:
		return model.P1
	case model.EventOpticalLow:
		return model.P2
	}
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "critical", "disaster", "5":
		return model.P1
	case "high", "major", "4":
		return model.P2
	case "medium", "average", "warning", "3":
		return model.P3
	}
	return model.P4
}

func opticalSamples(f map[string]string, receivedAt time.Time) []model.OpticalSample {
	port := firstNonEmpty(f, "port", "ifname", "interface")
	onu := firstNonEmpty(f, "onu", "onu_id", "onuid")
	takenAt := receivedAt
	if raw := firstNonEmpty(f, "timestamp", "time", "ts"); raw != "" {
		if ts, err := ParseTimestamp(raw, time.UTC); err == nil {
			takenAt = ts.UTC()
		}
	}
	var out []model.OpticalSample
	add := func(key string, dir model.Direction) {
		raw := f[key]
		if raw == "" {
			return
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return
		}
		out = append(out, model.OpticalSample{Port: port, OnuID: onu, Direction: dir, PowerDBm: v, TakenAt: takenAt})
	}
	generic := model.DirectionRX
	if strings.EqualFold(f["direction"], string(model.DirectionTX)) {
		generic = model.DirectionTX
	}
	add("optical_power_dbm", generic)
	add("rx_power_dbm", model.DirectionRX)
	add("tx_power_dbm", model.DirectionTX)
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
