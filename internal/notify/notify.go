package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fibertrack/internal/config"
	"fibertrack/internal/logging"
	"fibertrack/internal/metrics"
)

// Notifier delivers one message. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, subject, body string) error
}

type Channel interface {
	Notifier
	Name() string
}

var ErrBackoff = errors.New("channel backing off after failure")

// Dispatcher fans a message out to every channel. It fails only when no
// channel delivered. A failing channel is skipped for the backoff period.
type Dispatcher struct {
	channels []Channel
	throttle *Throttle
	backoff  time.Duration
	logger   *slog.Logger
}

func NewDispatcher(logger *slog.Logger, backoff time.Duration, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{channels: channels, throttle: NewThrottle(), backoff: backoff, logger: logger}
}

// FromConfig enables the SMTP and webhook channels named in cfg and falls
// back to the log channel when neither is enabled.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	var channels []Channel
	if cfg.SMTP.Enabled {
		channels = append(channels, NewSMTP(cfg.SMTP))
	}
	if cfg.Webhook.Enabled {
		channels = append(channels, NewWebhook(cfg.Webhook))
	}
	if len(channels) == 0 {
		channels = append(channels, NewLog(logger))
	}
	return NewDispatcher(logger, cfg.Throttle, channels...)
}

func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		names = append(names, c.Name())
	}
	return names
}

func (d *Dispatcher) Notify(ctx context.Context, recipients []string, subject, body string) error {
	if len(d.channels) == 0 {
		return errors.New("no notification channels configured")
	}
	var errs []error
	for _, c := range d.channels {
		if d.throttle.Blocked(c.Name()) {
			metrics.Notifications.WithLabelValues(c.Name(), "backoff").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), ErrBackoff))
			continue
		}
		err := c.Notify(ctx, recipients, subject, body)
		metrics.Notifications.WithLabelValues(c.Name(), metrics.Result(err)).Inc()
		if err != nil {
			d.logger.Warn("notification channel failed", "channel", c.Name(), "subject", subject, "err", err)
			d.throttle.Hold(c.Name(), d.backoff)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		d.throttle.Release(c.Name())
	}
	if len(errs) == len(d.channels) {
		return errors.Join(errs...)
	}
	return nil
}

type LogNotifier struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Notify(_ context.Context, recipients []string, subject, body string) error {
	l.logger.Info("notification", "recipients", recipients, "subject", subject, "body", body)
	return nil
}
