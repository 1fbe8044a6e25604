// Package database is the append-only log boundary: traffic snapshots,
// signal transitions, timing decision traces and audit events land in a
// local SQLite file. Writes never sit on the control loop's path; the
// controller feeds them through a buffered writer with bounded retry.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	db   *sql.DB
	dbMu sync.Mutex
)

const defaultDBPath = "crosslight.db"

func resolveDBPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("CROSSLIGHT_DB_PATH")); p != "" {
		return p
	}
	return defaultDBPath
}

// InitDB opens (or creates) the database and ensures the schema. An empty
// path falls back to CROSSLIGHT_DB_PATH, then the local default.
func InitDB(path string) error {
	dbMu.Lock()
	defer dbMu.Unlock()
	if db != nil {
		return nil
	}

	handle, err := sql.Open("sqlite3", resolveDBPath(path)+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := handle.Ping(); err != nil {
		handle.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	if err := createTables(handle); err != nil {
		handle.Close()
		return err
	}
	db = handle
	return nil
}

// CloseDB closes the handle; safe to call repeatedly.
func CloseDB() {
	dbMu.Lock()
	defer dbMu.Unlock()
	if db != nil {
		_ = db.Close()
		db = nil
	}
}

// GetDB exposes the raw handle for readiness probes.
func GetDB() *sql.DB {
	dbMu.Lock()
	defer dbMu.Unlock()
	return db
}

func createTables(handle *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS traffic_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			intersection_id TEXT NOT NULL,
			approach_id TEXT NOT NULL,
			vehicle_count INTEGER NOT NULL,
			queue_length INTEGER NOT NULL,
			growth_rate REAL NOT NULL,
			emergency_detected INTEGER NOT NULL,
			direction TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON traffic_snapshots(ts)`,
		`CREATE TABLE IF NOT EXISTS signal_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			intersection_id TEXT NOT NULL,
			from_phase TEXT NOT NULL,
			to_phase TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			source TEXT NOT NULL,
			reason TEXT NOT NULL,
			snapshot_ref INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_ts ON signal_transitions(ts)`,
		`CREATE TABLE IF NOT EXISTS decision_traces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			intersection_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			source TEXT NOT NULL,
			queue_length INTEGER NOT NULL,
			growth_rate REAL NOT NULL,
			bias_ms INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			reason TEXT NOT NULL,
			timing_engine TEXT NOT NULL,
			engine_version TEXT NOT NULL,
			timing_contract_version TEXT NOT NULL,
			replay_digest TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL,
			command_id TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := handle.Exec(stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}
