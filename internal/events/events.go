package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"fibertrack/internal/config"
	"fibertrack/internal/metrics"
)

const (
	IncidentOpened       = "incident.opened"
	IncidentAcknowledged = "incident.acknowledged"
	IncidentResolved     = "incident.resolved"
	IncidentSuppressed   = "incident.suppressed"
	SLABreached          = "sla.breached"
)

// Event is the envelope written to the bus.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Key  string    `json:"-"`
	Data any       `json:"data"`
}

func New(eventType, key string, at time.Time, data any) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Time: at.UTC(),
		Key:  key,
		Data: data,
	}
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

func NewPublisher(cfg config.EventsConfig, logger *slog.Logger) (Publisher, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return Nop{}, nil
	case "kafka":
		return NewKafkaPublisher(cfg.Brokers, cfg.Topic), nil
	case "nats":
		return NewNATSPublisher(cfg.NATSURL, cfg.Subject, logger)
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}

// Emit publishes and logs failures; lifecycle events never fail the caller.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, ev Event) {
	if p == nil {
		return
	}
	err := p.Publish(ctx, ev)
	metrics.EventsPublished.WithLabelValues(ev.Type, metrics.Result(err)).Inc()
	if err != nil && logger != nil {
		logger.Warn("event publish failed", "type", ev.Type, "id", ev.ID, "err", err)
	}
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
