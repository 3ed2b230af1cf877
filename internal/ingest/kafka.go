package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"fibertrack/internal/config"
	"fibertrack/internal/logging"
	"fibertrack/internal/model"
	"fibertrack/internal/normalize"
)

// StartKafka relays alerts an upstream collector already pushed onto a topic.
// Messages skip the signature guard; the vendor comes from the "vendor" header
// and falls back to kafka_ingest.default_vendor. Offsets are committed only
// after the pipeline accepted or definitively rejected a message.
func StartKafka(ctx context.Context, cfg *config.Manager, proc Processor, logger *slog.Logger) {
	current := cfg.Get().KafkaIngest
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}
	logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	fallback := model.VendorGeneric
	if v, ok := model.ParseVendor(strings.ToLower(current.DefaultVendor)); ok {
		fallback = v
	}
	go func() {
		defer reader.Close()
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka read error", "err", err)
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			if !relay(ctx, proc, m, fallback, logger) {
				return
			}
			if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				logger.Warn("kafka commit error", "offset", m.Offset, "err", err)
			}
		}
	}()
}

// relay returns false only when ctx ended before the message was handled.
func relay(ctx context.Context, proc Processor, m kafka.Message, fallback model.Vendor, logger *slog.Logger) bool {
	vendor := fallback
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, "vendor") {
			if v, ok := model.ParseVendor(strings.ToLower(string(h.Value))); ok {
				vendor = v
			}
		}
	}
	payload, err := normalize.Decode(vendor, m.Value)
	if err != nil {
		logger.Warn("kafka message dropped", "vendor", vendor, "offset", m.Offset, "err", err)
		return true
	}
	receivedAt := m.Time
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	ev := normalize.Normalize(payload, receivedAt.UTC())
	ev.Source = "kafka"

	var backoff time.Duration
	for {
		_, err := proc.Process(ctx, ev)
		if err == nil {
			return true
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return false
		}
		backoff = nextBackoff(backoff, 30*time.Second)
		logger.Warn("kafka relay retry", "vendor", vendor, "offset", m.Offset, "backoff", backoff, "err", err)
		if !BackoffSleep(ctx, backoff) {
			return false
		}
	}
}
