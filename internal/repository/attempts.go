package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mr1hm/go-rescue-dispatch/internal/models"
)

func (s *SQLiteDB) AddAttempt(ctx context.Context, a *models.NotificationAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (idempotency_key, incident_id, responder_id, channel, seq, status, error, created_at, sent_at, delivered_at, acked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.IdempotencyKey, a.IncidentID, a.ResponderID, a.Channel, a.Seq,
		a.Status, a.Error, a.CreatedAt, a.SentAt, a.DeliveredAt, a.AckedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateAttempt
	}
	if err != nil {
		return fmt.Errorf("error inserting attempt: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetAttempt(ctx context.Context, key string) (*models.NotificationAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, incident_id, responder_id, channel, seq, status, error, created_at, sent_at, delivered_at, acked_at
		FROM attempts WHERE idempotency_key = ?`, key)
	return scanAttempt(row)
}

// UpdateAttemptStatus applies a forward-only transition inside a transaction
// so two concurrent status reports cannot both win. Writing the status the
// attempt already has is a no-op, which makes delivery callbacks idempotent.
func (s *SQLiteDB) UpdateAttemptStatus(ctx context.Context, key string, to models.AttemptStatus, errDetail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	var current models.AttemptStatus
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM attempts WHERE idempotency_key = ?", key).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("error reading attempt status: %w", err)
	}

	if current == to {
		return nil
	}
	// A late delivery report cannot unsettle an answer the responder
	// already gave.
	if (current == models.AttemptAcknowledged || current == models.AttemptRejected) &&
		(to == models.AttemptSent || to == models.AttemptDelivered || to == models.AttemptFailed) {
		return nil
	}
	if !current.CanTransition(to) {
		return fmt.Errorf("attempt transition %s -> %s not allowed", current, to)
	}

	query := "UPDATE attempts SET status = ?"
	args := []any{to}
	if errDetail != "" {
		query += ", error = ?"
		args = append(args, errDetail)
	}
	now := time.Now()
	switch to {
	case models.AttemptSent:
		query += ", sent_at = ?"
		args = append(args, now)
	case models.AttemptDelivered:
		query += ", delivered_at = ?"
		args = append(args, now)
	case models.AttemptAcknowledged, models.AttemptRejected:
		query += ", acked_at = ?"
		args = append(args, now)
	}
	query += " WHERE idempotency_key = ? AND status = ?"
	args = append(args, key, current)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error updating attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("attempt %s changed concurrently", key)
	}

	return tx.Commit()
}

func (s *SQLiteDB) ListAttemptsByIncident(ctx context.Context, incidentID string) ([]models.NotificationAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, incident_id, responder_id, channel, seq, status, error, created_at, sent_at, delivered_at, acked_at
		FROM attempts WHERE incident_id = ? ORDER BY created_at, seq`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("error listing attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.NotificationAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

func (s *SQLiteDB) LatestAttempt(ctx context.Context, incidentID, responderID string, ch models.Channel) (*models.NotificationAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, incident_id, responder_id, channel, seq, status, error, created_at, sent_at, delivered_at, acked_at
		FROM attempts WHERE incident_id = ? AND responder_id = ? AND channel = ?
		ORDER BY seq DESC LIMIT 1`, incidentID, responderID, ch)
	return scanAttempt(row)
}

func (s *SQLiteDB) CancelPendingAttempts(ctx context.Context, incidentID, exceptKey string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET status = ?
		WHERE incident_id = ? AND idempotency_key != ? AND status IN (?, ?, ?, ?)`,
		models.AttemptCancelled, incidentID, exceptKey,
		models.AttemptQueued, models.AttemptSent, models.AttemptDelivered, models.AttemptFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("error cancelling attempts: %w", err)
	}
	return res.RowsAffected()
}

func scanAttempt(row rowScanner) (*models.NotificationAttempt, error) {
	var (
		a           models.NotificationAttempt
		errDetail   sql.NullString
		sentAt      sql.NullTime
		deliveredAt sql.NullTime
		ackedAt     sql.NullTime
	)
	err := row.Scan(&a.IdempotencyKey, &a.IncidentID, &a.ResponderID, &a.Channel, &a.Seq,
		&a.Status, &errDetail, &a.CreatedAt, &sentAt, &deliveredAt, &ackedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning attempt: %w", err)
	}

	a.Error = errDetail.String
	if sentAt.Valid {
		t := sentAt.Time
		a.SentAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		a.DeliveredAt = &t
	}
	if ackedAt.Valid {
		t := ackedAt.Time
		a.AckedAt = &t
	}
	return &a, nil
}
