package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fibertrack/internal/model"
)

const taskColumns = `id, title, type, priority, status, ward, pon_id, assignee_email, creator_email,
	created_at, accepted_at, completed_at,
	ack_by, complete_by, breached_ack, breached_completion, warned_ack, warned_completion,
	ack_alerted_at, completion_alerted_at, last_alerted_at`

// SaveTask inserts or replaces the CRUD-owned attributes of a task. SLA state
// is only written on insert; afterwards it belongs to UpdateTaskSLA.
func (b *baseStore) SaveTask(ctx context.Context, t model.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = nowUTC()
	}
	_, err := b.exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			type = excluded.type,
			priority = excluded.priority,
			status = excluded.status,
			ward = excluded.ward,
			pon_id = excluded.pon_id,
			assignee_email = excluded.assignee_email,
			creator_email = excluded.creator_email,
			accepted_at = excluded.accepted_at,
			completed_at = excluded.completed_at`,
		t.ID, t.Title, t.Type, t.Priority, string(t.Status), t.Ward, t.PonID, t.AssigneeEmail, t.CreatorEmail,
		t.CreatedAt.UTC(), nullableTime(t.AcceptedAt), nullableTime(t.CompletedAt),
		nullableTime(t.SLA.AckBy), nullableTime(t.SLA.CompleteBy),
		t.SLA.BreachedAck, t.SLA.BreachedCompletion, t.SLA.WarnedAck, t.SLA.WarnedCompletion,
		nullableTime(t.SLA.AckAlertedAt), nullableTime(t.SLA.CompletionAlertedAt), nullableTime(t.SLA.LastAlertedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (b *baseStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	t, err := scanTask(b.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (b *baseStore) ListTasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]model.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	rows, err := b.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *baseStore) UpdateTaskSLA(ctx context.Context, id string, sla model.SLA) error {
	return b.updateSLA(ctx, "tasks", id, sla)
}

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t                     model.Task
		status                string
		acceptedAt, completed sql.NullTime
		sla                   slaColumns
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Type, &t.Priority, &status, &t.Ward, &t.PonID,
		&t.AssigneeEmail, &t.CreatorEmail, &t.CreatedAt, &acceptedAt, &completed,
		&sla.ackBy, &sla.completeBy, &sla.breachedAck, &sla.breachedCompletion, &sla.warnedAck, &sla.warnedCompletion,
		&sla.ackAlertedAt, &sla.completionAlertedAt, &sla.lastAlertedAt); err != nil {
		return model.Task{}, err
	}
	t.Status = model.TaskStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.AcceptedAt = timePtr(acceptedAt)
	t.CompletedAt = timePtr(completed)
	t.SLA = sla.toSLA()
	return t, nil
}
