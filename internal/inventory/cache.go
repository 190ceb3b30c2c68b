package inventory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Cache persists inventory snapshots to SQLite so a restarted instance can
// serve lookups before its first backend refresh completes.
type Cache struct {
	db *sql.DB
}

// NewCache opens (and migrates) the snapshot cache at dbPath.
func NewCache(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open inventory cache: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS devices (
		hostname   TEXT PRIMARY KEY,
		record     TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create devices table: %w", err)
	}

	return &Cache{db: db}, nil
}

// Save replaces the cached snapshot with the given records.
func (c *Cache) Save(records []Record) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM devices`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record %q: %w", r.Hostname, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO devices (hostname, record, updated_at) VALUES (?, ?, ?)`,
			r.Hostname, string(data), now,
		); err != nil {
			return fmt.Errorf("insert record %q: %w", r.Hostname, err)
		}
	}

	return tx.Commit()
}

// Load returns the cached snapshot (possibly empty).
func (c *Cache) Load() ([]Record, error) {
	rows, err := c.db.Query(`SELECT record FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		var r Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("parse snapshot row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the underlying DB.
func (c *Cache) Close() error { return c.db.Close() }
