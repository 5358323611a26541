package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mr1hm/go-rescue-dispatch/internal/models"
)

func (s *SQLiteDB) AppendAudit(ctx context.Context, ev *models.AuditEvent) error {
	var payload any
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("error marshaling audit payload: %w", err)
		}
		payload = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, incident_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.IncidentID, payload, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error inserting audit event: %w", err)
	}
	return nil
}

func (s *SQLiteDB) ListAuditByIncident(ctx context.Context, incidentID string) ([]models.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, incident_id, payload, created_at
		FROM audit_events WHERE incident_id = ? ORDER BY created_at`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("error listing audit events: %w", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func (s *SQLiteDB) ListRecentAudit(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, incident_id, payload, created_at
		FROM audit_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing audit events: %w", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func scanAuditEvents(rows *sql.Rows) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	for rows.Next() {
		var (
			ev      models.AuditEvent
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.IncidentID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning audit event: %w", err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("error unmarshaling audit payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
