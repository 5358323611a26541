package repository

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteDB implements all repository interfaces over a single database.
type SQLiteDB struct {
	db *sql.DB
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// sqlite allows one writer at a time, and a pooled :memory: database
	// would split across connections. One connection serves both cases.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteDB{
		db: db,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}

	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			capabilities TEXT NOT NULL,
			urgency TEXT NOT NULL,
			status TEXT NOT NULL,
			level INTEGER NOT NULL DEFAULT 1,
			rejections INTEGER NOT NULL DEFAULT 0,
			assigned_responder_id TEXT,
			cancel_reason TEXT,
			created_at DATETIME NOT NULL,
			resolved_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS responders (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			capabilities TEXT NOT NULL,
			service_radius_km REAL NOT NULL DEFAULT 0,
			score REAL NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			channels TEXT NOT NULL,
			quiet_start TEXT,
			quiet_end TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS attempts (
			idempotency_key TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL,
			responder_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			seq INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			created_at DATETIME NOT NULL,
			sent_at DATETIME,
			delivered_at DATETIME,
			acked_at DATETIME,
			UNIQUE (incident_id, responder_id, channel, seq),
			FOREIGN KEY (incident_id) REFERENCES incidents(id)
		);

		CREATE TABLE IF NOT EXISTS timers (
			incident_id TEXT PRIMARY KEY,
			level INTEGER NOT NULL,
			due_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			incident_id TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
		CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at);
		CREATE INDEX IF NOT EXISTS idx_attempts_incident_id ON attempts(incident_id);
		CREATE INDEX IF NOT EXISTS idx_timers_due_at ON timers(due_at);
		CREATE INDEX IF NOT EXISTS idx_audit_incident_id ON audit_events(incident_id);
		CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_events(created_at);
  	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// isUniqueViolation detects a UNIQUE constraint error from the driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
