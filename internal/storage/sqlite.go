package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:fibertrack.db?_pragma=busy_timeout(5000)"
	}
	// timestamps are compared in SQL, so they must be written in one sortable layout
	if !strings.Contains(dsn, "_time_format=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_time_format=sqlite"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{
		db: db,
		d: dialect{
			mergeMetadata: "json_patch(devices.metadata, excluded.metadata)",
			isConflict: func(err error) bool {
				return strings.Contains(err.Error(), "UNIQUE constraint failed")
			},
		},
	}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL UNIQUE,
			vendor TEXT NOT NULL DEFAULT 'unknown',
			management_ip TEXT NOT NULL DEFAULT '',
			ward TEXT NOT NULL DEFAULT '',
			pon_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'unknown',
			last_seen_at DATETIME NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL,
			vendor TEXT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			dedup_key TEXT NOT NULL,
			ward TEXT NOT NULL DEFAULT '',
			pon_id TEXT NOT NULL DEFAULT '',
			opened_at DATETIME NOT NULL,
			acknowledged_at DATETIME,
			resolved_at DATETIME,
			mttr_ms INTEGER,
			mttd_ms INTEGER,
			raw TEXT,
			ack_by DATETIME,
			complete_by DATETIME,
			breached_ack BOOLEAN NOT NULL DEFAULT FALSE,
			breached_completion BOOLEAN NOT NULL DEFAULT FALSE,
			warned_ack BOOLEAN NOT NULL DEFAULT FALSE,
			warned_completion BOOLEAN NOT NULL DEFAULT FALSE,
			ack_alerted_at DATETIME,
			completion_alerted_at DATETIME,
			last_alerted_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_incidents_active_dedup ON incidents(dedup_key) WHERE status IN ('open', 'ack')`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status, opened_at)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_hostname ON incidents(hostname)`,
		`CREATE TABLE IF NOT EXISTS incident_signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			severity TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_incident ON incident_signals(incident_id, received_at)`,
		`CREATE TABLE IF NOT EXISTS maintenance_windows (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			approved BOOLEAN NOT NULL DEFAULT FALSE,
			start_at DATETIME NOT NULL,
			end_at DATETIME NOT NULL,
			device_hostnames TEXT NOT NULL DEFAULT '[]',
			wards TEXT NOT NULL DEFAULT '[]',
			pon_ids TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_maintenance_active ON maintenance_windows(approved, start_at, end_at)`,
		`CREATE TABLE IF NOT EXISTS optical_readings (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL,
			port TEXT NOT NULL DEFAULT '',
			onu_id TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			power_dbm REAL NOT NULL,
			baseline REAL,
			taken_at DATETIME NOT NULL,
			source TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_optical_host_ts ON optical_readings(hostname, taken_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			type TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			ward TEXT NOT NULL DEFAULT '',
			pon_id TEXT NOT NULL DEFAULT '',
			assignee_email TEXT NOT NULL DEFAULT '',
			creator_email TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			accepted_at DATETIME,
			completed_at DATETIME,
			ack_by DATETIME,
			complete_by DATETIME,
			breached_ack BOOLEAN NOT NULL DEFAULT FALSE,
			breached_completion BOOLEAN NOT NULL DEFAULT FALSE,
			warned_ack BOOLEAN NOT NULL DEFAULT FALSE,
			warned_completion BOOLEAN NOT NULL DEFAULT FALSE,
			ack_alerted_at DATETIME,
			completion_alerted_at DATETIME,
			last_alerted_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			vendor TEXT NOT NULL,
			received_ip TEXT NOT NULL,
			signature_valid BOOLEAN NOT NULL,
			payload TEXT NOT NULL,
			received_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_ts ON webhook_events(received_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
