package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr1hm/go-rescue-dispatch/internal/models"
)

func (s *SQLiteDB) AddIncident(ctx context.Context, inc *models.Incident) error {
	caps, err := json.Marshal(inc.Capabilities)
	if err != nil {
		return fmt.Errorf("error marshaling capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, latitude, longitude, capabilities, urgency, status, level, rejections, assigned_responder_id, cancel_reason, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.Latitude, inc.Longitude, string(caps), inc.Urgency, inc.Status,
		inc.Level, inc.Rejections, inc.AssignedResponderID, inc.CancelReason, inc.CreatedAt, inc.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("error inserting incident: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, latitude, longitude, capabilities, urgency, status, level, rejections, assigned_responder_id, cancel_reason, created_at, resolved_at
		FROM incidents WHERE id = ?`, id)
	return scanIncident(row)
}

func (s *SQLiteDB) ListIncidents(ctx context.Context, opts IncidentFilter) ([]models.Incident, error) {
	query := `
		SELECT id, latitude, longitude, capabilities, urgency, status, level, rejections, assigned_responder_id, cancel_reason, created_at, resolved_at
		FROM incidents WHERE 1=1`
	args := []any{}

	if opts.Status != nil {
		query += " AND status = ?"
		args = append(args, *opts.Status)
	}
	if opts.Urgency != nil {
		query += " AND urgency = ?"
		args = append(args, *opts.Urgency)
	}
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Assigned != nil {
		if *opts.Assigned {
			query += " AND assigned_responder_id IS NOT NULL"
		} else {
			query += " AND assigned_responder_id IS NULL"
		}
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing incidents: %w", err)
	}
	defer rows.Close()

	var incidents []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

// AssignResponder is the atomic acceptance guard. Only one caller can move
// the incident from notifying to acknowledged; everyone else sees false.
func (s *SQLiteDB) AssignResponder(ctx context.Context, incidentID, responderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET status = ?, assigned_responder_id = ?
		WHERE id = ? AND status = ? AND assigned_responder_id IS NULL`,
		models.IncidentAcknowledged, responderID, incidentID, models.IncidentNotifying,
	)
	if err != nil {
		return false, fmt.Errorf("error assigning responder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteDB) TransitionIncident(ctx context.Context, id string, from []models.IncidentStatus, to models.IncidentStatus, reason string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires at least one source status")
	}

	query := "UPDATE incidents SET status = ?"
	args := []any{to}
	if to == models.IncidentCancelled {
		query += ", cancel_reason = ?"
		args = append(args, reason)
	}
	if to.Terminal() {
		query += ", resolved_at = ?"
		args = append(args, time.Now())
	}
	query += " WHERE id = ? AND status IN (?" + repeat(",?", len(from)-1) + ")"
	args = append(args, id)
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("error transitioning incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteDB) SetIncidentLevel(ctx context.Context, id string, level int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE incidents SET level = ?, rejections = 0 WHERE id = ?", level, id)
	if err != nil {
		return fmt.Errorf("error setting incident level: %w", err)
	}
	return nil
}

func (s *SQLiteDB) IncrementRejections(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE incidents SET rejections = rejections + 1 WHERE id = ? AND status = ?",
		id, models.IncidentNotifying)
	if err != nil {
		return 0, fmt.Errorf("error incrementing rejections: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT rejections FROM incidents WHERE id = ?", id).Scan(&count); err != nil {
		return 0, fmt.Errorf("error reading rejections: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*models.Incident, error) {
	var (
		inc        models.Incident
		caps       string
		assigned   sql.NullString
		reason     sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&inc.ID, &inc.Latitude, &inc.Longitude, &caps, &inc.Urgency, &inc.Status,
		&inc.Level, &inc.Rejections, &assigned, &reason, &inc.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning incident: %w", err)
	}

	if err := json.Unmarshal([]byte(caps), &inc.Capabilities); err != nil {
		return nil, fmt.Errorf("error unmarshaling capabilities: %w", err)
	}
	if assigned.Valid {
		inc.AssignedResponderID = &assigned.String
	}
	if reason.Valid {
		inc.CancelReason = reason.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inc.ResolvedAt = &t
	}
	return &inc, nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
