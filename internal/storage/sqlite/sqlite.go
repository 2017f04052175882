// Package sqlite persists webhook subscriptions and metrics history.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/session-gateway/internal/model/metrics"
	"github.com/zhouzirui/session-gateway/internal/model/webhook"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		key           TEXT PRIMARY KEY,
		url           TEXT NOT NULL,
		events        TEXT NOT NULL,
		configured_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metrics_snapshots (
		seq      INTEGER PRIMARY KEY,
		taken_at TEXT NOT NULL,
		payload  TEXT NOT NULL
	)`,
}

// DB wraps a sqlite handle.
type DB struct {
	db *sql.DB
}

// Open creates the file if needed and applies the schema. Use ":memory:"
// for a throwaway database.
func Open(ctx context.Context, path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration %d: %w", i, err)
		}
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) LoadSubscriptions(ctx context.Context) ([]webhook.Subscription, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT key, url, events, configured_at FROM webhook_subscriptions ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []webhook.Subscription
	for rows.Next() {
		var (
			sub        webhook.Subscription
			events     string
			configured string
		)
		if err := rows.Scan(&sub.Key, &sub.URL, &events, &configured); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
			return nil, fmt.Errorf("decode events for %s: %w", sub.Key, err)
		}
		if sub.ConfiguredAt, err = time.Parse(time.RFC3339Nano, configured); err != nil {
			return nil, fmt.Errorf("decode time for %s: %w", sub.Key, err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (d *DB) SaveSubscription(ctx context.Context, sub webhook.Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (key, url, events, configured_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			url = excluded.url,
			events = excluded.events,
			configured_at = excluded.configured_at`,
		sub.Key, sub.URL, string(events), sub.ConfiguredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save subscription %s: %w", sub.Key, err)
	}
	return nil
}

func (d *DB) DeleteSubscription(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete subscription %s: %w", key, err)
	}
	return nil
}

// LoadSnapshots returns the stored history oldest first.
func (d *DB) LoadSnapshots(ctx context.Context) ([]metrics.Snapshot, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT payload FROM metrics_snapshots ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []metrics.Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap metrics.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ReplaceSnapshots swaps the stored history for snapshots in one transaction.
func (d *DB) ReplaceSnapshots(ctx context.Context, snapshots []metrics.Snapshot) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM metrics_snapshots`); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics_snapshots (seq, taken_at, payload) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, snap := range snapshots {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, i, snap.Timestamp.UTC().Format(time.RFC3339Nano), string(payload)); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}

	return tx.Commit()
}
