package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database holding the tunnel and daemon event history
type DB struct {
	conn *sql.DB
	path string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tunnel_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		tunnel_id  INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		details    TEXT,
		timestamp  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS daemon_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details    TEXT,
		timestamp  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tunnel_events_tunnel_id ON tunnel_events(tunnel_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_tunnel_events_ts ON tunnel_events(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_daemon_events_ts ON daemon_events(timestamp)`,
}

// Open opens the event database at path, creating the file, its directory
// and the schema as needed. The database runs in WAL mode.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	for _, stmt := range schema {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return &DB{conn: conn, path: path}, nil
}

// Close checkpoints the WAL into the main file and closes the connection
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	_, cpErr := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return errors.Join(cpErr, db.conn.Close())
}

// Flush checkpoints the WAL without closing
func (db *DB) Flush() error {
	if db.conn == nil {
		return nil
	}
	_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
	return err
}

func (db *DB) Path() string {
	return db.path
}

// TunnelEvent represents a tunnel lifecycle event
type TunnelEvent struct {
	ID        int64     `json:"id"`
	TunnelID  int       `json:"tunnelId"`
	EventType string    `json:"eventType"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64     `json:"id"`
	EventType string    `json:"eventType"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// insert retries briefly while another writer holds the lock
func (db *DB) insert(query string, args ...any) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = db.conn.Exec(query, args...); err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("database still locked after %d attempts: %w", attempts, err)
}

// LogTunnelEvent records a tunnel lifecycle event
func (db *DB) LogTunnelEvent(tunnelID int, eventType, details string) error {
	return db.insert(
		`INSERT INTO tunnel_events (tunnel_id, event_type, details, timestamp) VALUES (?, ?, ?, ?)`,
		tunnelID, eventType, details, time.Now().UTC(),
	)
}

// LogDaemonEvent records a daemon lifecycle event
func (db *DB) LogDaemonEvent(eventType, details string) error {
	return db.insert(
		`INSERT INTO daemon_events (event_type, details, timestamp) VALUES (?, ?, ?)`,
		eventType, details, time.Now().UTC(),
	)
}

const tunnelEventColumns = `id, tunnel_id, event_type, details, timestamp`

func (db *DB) queryTunnelEvents(query string, args ...any) ([]TunnelEvent, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TunnelEvent
	for rows.Next() {
		var (
			e       TunnelEvent
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TunnelID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentTunnelEvents returns the newest events first. A tunnelID of 0
// returns events for every tunnel.
func (db *DB) GetRecentTunnelEvents(tunnelID, limit int) ([]TunnelEvent, error) {
	if tunnelID > 0 {
		return db.queryTunnelEvents(
			`SELECT `+tunnelEventColumns+` FROM tunnel_events WHERE tunnel_id = ? ORDER BY id DESC LIMIT ?`,
			tunnelID, limit,
		)
	}
	return db.queryTunnelEvents(
		`SELECT `+tunnelEventColumns+` FROM tunnel_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
}

// GetLastTunnelEventPerTunnel returns the most recent event of each tunnel,
// ordered by tunnel id.
func (db *DB) GetLastTunnelEventPerTunnel() ([]TunnelEvent, error) {
	return db.queryTunnelEvents(
		`SELECT ` + tunnelEventColumns + ` FROM tunnel_events
		 WHERE id IN (SELECT MAX(id) FROM tunnel_events GROUP BY tunnel_id)
		 ORDER BY tunnel_id`,
	)
}

// GetRecentDaemonEvents returns the newest daemon events first
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp FROM daemon_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var (
			e       DaemonEvent
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneBefore deletes events older than cutoff and returns how many rows
// were removed.
func (db *DB) PruneBefore(cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"tunnel_events", "daemon_events"} {
		res, err := db.conn.Exec(`DELETE FROM `+table+` WHERE timestamp < ?`, cutoff.UTC())
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
