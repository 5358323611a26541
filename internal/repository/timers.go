package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ScheduleTimer arms (or re-arms) the single escalation timer of an incident.
func (s *SQLiteDB) ScheduleTimer(ctx context.Context, incidentID string, level int, dueAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timers (incident_id, level, due_at) VALUES (?, ?, ?)
		ON CONFLICT(incident_id) DO UPDATE SET level = excluded.level, due_at = excluded.due_at`,
		incidentID, level, dueAt,
	)
	if err != nil {
		return fmt.Errorf("error scheduling timer: %w", err)
	}
	return nil
}

func (s *SQLiteDB) DueTimers(ctx context.Context, now time.Time) ([]Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT incident_id, level, due_at FROM timers WHERE due_at <= ? ORDER BY due_at", now)
	if err != nil {
		return nil, fmt.Errorf("error querying due timers: %w", err)
	}
	defer rows.Close()
	return scanTimers(rows)
}

func (s *SQLiteDB) DeleteTimer(ctx context.Context, incidentID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM timers WHERE incident_id = ?", incidentID)
	if err != nil {
		return fmt.Errorf("error deleting timer: %w", err)
	}
	return nil
}

func (s *SQLiteDB) AllTimers(ctx context.Context) ([]Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT incident_id, level, due_at FROM timers ORDER BY due_at")
	if err != nil {
		return nil, fmt.Errorf("error querying timers: %w", err)
	}
	defer rows.Close()
	return scanTimers(rows)
}

func scanTimers(rows *sql.Rows) ([]Timer, error) {
	var timers []Timer
	for rows.Next() {
		var t Timer
		if err := rows.Scan(&t.IncidentID, &t.Level, &t.DueAt); err != nil {
			return nil, fmt.Errorf("error scanning timer: %w", err)
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}
