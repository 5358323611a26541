package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mr1hm/go-rescue-dispatch/internal/models"
)

func (s *SQLiteDB) AddResponder(ctx context.Context, r *models.Responder) error {
	caps, err := json.Marshal(r.Capabilities)
	if err != nil {
		return fmt.Errorf("error marshaling capabilities: %w", err)
	}
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return fmt.Errorf("error marshaling channels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO responders (id, name, latitude, longitude, capabilities, service_radius_km, score, active, channels, quiet_start, quiet_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Latitude, r.Longitude, string(caps), r.ServiceRadiusKm,
		r.Score, r.Active, string(channels), r.QuietStart, r.QuietEnd, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error inserting responder: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetResponder(ctx context.Context, id string) (*models.Responder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, latitude, longitude, capabilities, service_radius_km, score, active, channels, quiet_start, quiet_end, created_at
		FROM responders WHERE id = ?`, id)
	return scanResponder(row)
}

func (s *SQLiteDB) ListActiveResponders(ctx context.Context) ([]models.Responder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, latitude, longitude, capabilities, service_radius_km, score, active, channels, quiet_start, quiet_end, created_at
		FROM responders WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error listing responders: %w", err)
	}
	defer rows.Close()

	var responders []models.Responder
	for rows.Next() {
		r, err := scanResponder(rows)
		if err != nil {
			return nil, err
		}
		responders = append(responders, *r)
	}
	return responders, rows.Err()
}

func scanResponder(row rowScanner) (*models.Responder, error) {
	var (
		r          models.Responder
		caps       string
		channels   string
		quietStart sql.NullString
		quietEnd   sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.Latitude, &r.Longitude, &caps, &r.ServiceRadiusKm,
		&r.Score, &r.Active, &channels, &quietStart, &quietEnd, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning responder: %w", err)
	}

	if err := json.Unmarshal([]byte(caps), &r.Capabilities); err != nil {
		return nil, fmt.Errorf("error unmarshaling capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
		return nil, fmt.Errorf("error unmarshaling channels: %w", err)
	}
	r.QuietStart = quietStart.String
	r.QuietEnd = quietEnd.String
	return &r, nil
}
