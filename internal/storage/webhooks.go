package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"fibertrack/internal/model"
)

func (b *baseStore) SaveWebhookEvent(ctx context.Context, ev model.WebhookEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = nowUTC()
	}
	_, err := b.exec(ctx,
		`INSERT INTO webhook_events (id, vendor, received_ip, signature_valid, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Vendor, ev.ReceivedIP, ev.SignatureValid, string(ev.Payload), ev.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("save webhook event: %w", err)
	}
	return nil
}

func (b *baseStore) CountWebhookEvents(ctx context.Context, vendor string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM webhook_events`
	var args []any
	if vendor != "" {
		query += ` WHERE vendor = ?`
		args = append(args, vendor)
	}
	if err := b.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count webhook events: %w", err)
	}
	return n, nil
}
