package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNATSPublisher(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("fibertrack"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger != nil && err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if logger != nil {
				logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			}
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Publish sends on <subject>.<type>, e.g. fibertrack.incidents.incident.opened.
func (n *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	msg := nats.NewMsg(n.subject + "." + ev.Type)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	return n.nc.PublishMsg(msg)
}

func (n *NATSPublisher) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}
