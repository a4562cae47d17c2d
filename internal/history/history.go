package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History is an append-only SQLite journal of accepted notifications.
// It holds alerts only; request statistics are never persisted.
type History struct {
	db *sql.DB
}

// NewHistory opens (creating if needed) the journal at dbPath
func NewHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}

	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			client_ip TEXT NOT NULL,
			status TEXT NOT NULL,
			summary TEXT NOT NULL,
			alert_count INTEGER NOT NULL DEFAULT 0,
			body TEXT NOT NULL,
			received_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = h.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_alerts_status_received
		ON alerts(status, received_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// RecordAlert appends a notification and returns its row ID.
// A zero ReceivedAt is stamped with the current time.
func (h *History) RecordAlert(ctx context.Context, record *AlertRecord) (int64, error) {
	receivedAt := record.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO alerts
		(request_id, client_ip, status, summary, alert_count, body, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		record.RequestID,
		record.ClientIP,
		record.Status,
		record.Summary,
		record.AlertCount,
		record.Body,
		receivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// RecentAlerts returns up to limit notifications, newest first.
// An empty status matches every status.
func (h *History) RecentAlerts(ctx context.Context, status string, limit int) ([]AlertRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, request_id, client_ip, status, summary, alert_count, body, received_at
		FROM alerts
		WHERE (? = '' OR status = ?)
		ORDER BY id DESC
		LIMIT ?
	`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert history: %w", err)
	}
	defer rows.Close()

	var records []AlertRecord
	for rows.Next() {
		record, err := scanAlertRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// CountByStatus returns the number of journaled notifications per status
func (h *History) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM alerts GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan alert count: %w", err)
		}
		counts[status] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return counts, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlertRecord(s scanner) (*AlertRecord, error) {
	var record AlertRecord
	var receivedAtStr string

	err := s.Scan(
		&record.ID,
		&record.RequestID,
		&record.ClientIP,
		&record.Status,
		&record.Summary,
		&record.AlertCount,
		&record.Body,
		&receivedAtStr,
	)
	if err != nil {
		return nil, err
	}

	receivedAt, err := time.Parse(time.RFC3339Nano, receivedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse received_at timestamp: %w", err)
	}
	record.ReceivedAt = receivedAt

	return &record, nil
}
