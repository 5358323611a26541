// Package collector turns classified responder replies into state
// transitions. Replies arrive pre-classified as accept or reject; parsing
// raw channel payloads is the gateway's job, not ours.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mr1hm/go-rescue-dispatch/internal/escalation"
	"github.com/mr1hm/go-rescue-dispatch/internal/models"
	"github.com/mr1hm/go-rescue-dispatch/internal/repository"
)

type Outcome string

const (
	OutcomeAccept Outcome = "accept"
	OutcomeReject Outcome = "reject"
)

func (o Outcome) Valid() bool {
	return o == OutcomeAccept || o == OutcomeReject
}

// Result describes what a recorded response did to the incident.
type Result string

const (
	// ResultAssigned means this responder now owns the incident.
	ResultAssigned Result = "assigned"
	// ResultTooLate means somebody else owns the incident already.
	ResultTooLate Result = "too_late"
	// ResultRejected means the rejection was counted.
	ResultRejected Result = "rejected"
	// ResultEscalated means the rejection tipped the level's threshold and
	// the incident moved to the next level immediately.
	ResultEscalated Result = "escalated"
	// ResultIgnored means the response matched nothing actionable: unknown
	// attempt, terminal incident, or a repeat of an already-counted reply.
	ResultIgnored Result = "ignored"
)

// Engine is the slice of the escalation engine the collector drives.
type Engine interface {
	Accept(ctx context.Context, incidentID, responderID, exceptKey string) error
	Advance(ctx context.Context, incidentID string, fromLevel int) error
}

type Store interface {
	repository.IncidentRepository
	repository.AttemptRepository
}

type Collector struct {
	store           Store
	engine          Engine
	rejectThreshold int
}

func NewCollector(store Store, engine Engine, rejectThreshold int) *Collector {
	return &Collector{
		store:           store,
		engine:          engine,
		rejectThreshold: rejectThreshold,
	}
}

// RecordResponse applies one classified reply. Responses that cannot change
// anything, e.g. for a cancelled incident or a reply that was never asked
// for, come back as ResultIgnored rather than errors: late or duplicate
// replies are normal traffic, not faults.
func (c *Collector) RecordResponse(ctx context.Context, incidentID, responderID string, ch models.Channel, outcome Outcome) (Result, error) {
	if !outcome.Valid() {
		return "", fmt.Errorf("unknown outcome %q", outcome)
	}

	attempt, err := c.store.LatestAttempt(ctx, incidentID, responderID, ch)
	if errors.Is(err, repository.ErrNotFound) {
		slog.Warn("response without matching attempt",
			"incident_id", incidentID, "responder_id", responderID, "channel", ch)
		return ResultIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("error loading attempt: %w", err)
	}

	switch outcome {
	case OutcomeAccept:
		return c.accept(ctx, incidentID, responderID, attempt)
	default:
		return c.reject(ctx, incidentID, responderID, attempt)
	}
}

func (c *Collector) accept(ctx context.Context, incidentID, responderID string, attempt *models.NotificationAttempt) (Result, error) {
	err := c.engine.Accept(ctx, incidentID, responderID, attempt.IdempotencyKey)
	if errors.Is(err, escalation.ErrTooLate) {
		return ResultTooLate, nil
	}
	if errors.Is(err, escalation.ErrTerminal) {
		return ResultIgnored, nil
	}
	if err != nil {
		return "", err
	}

	if attempt.Status != models.AttemptAcknowledged {
		if err := c.store.UpdateAttemptStatus(ctx, attempt.IdempotencyKey, models.AttemptAcknowledged, ""); err != nil {
			slog.Error("failed to mark attempt acknowledged",
				"incident_id", incidentID, "responder_id", responderID, "error", err)
		}
	}
	return ResultAssigned, nil
}

func (c *Collector) reject(ctx context.Context, incidentID, responderID string, attempt *models.NotificationAttempt) (Result, error) {
	// A repeat rejection of the same attempt is not counted twice.
	if attempt.Status == models.AttemptRejected || attempt.Status == models.AttemptCancelled {
		return ResultIgnored, nil
	}

	if err := c.store.UpdateAttemptStatus(ctx, attempt.IdempotencyKey, models.AttemptRejected, ""); err != nil {
		return "", fmt.Errorf("error marking attempt rejected: %w", err)
	}

	count, err := c.store.IncrementRejections(ctx, incidentID)
	if err != nil {
		return "", fmt.Errorf("error counting rejection: %w", err)
	}
	if count == 0 {
		// Incident no longer notifying; nothing to escalate.
		return ResultIgnored, nil
	}

	if count >= c.rejectThreshold {
		inc, err := c.store.GetIncident(ctx, incidentID)
		if err != nil {
			return "", fmt.Errorf("error loading incident: %w", err)
		}
		slog.Info("rejection threshold reached, escalating early",
			"incident_id", incidentID, "level", inc.Level, "rejections", count)
		if err := c.engine.Advance(ctx, incidentID, inc.Level); err != nil {
			return "", fmt.Errorf("error escalating: %w", err)
		}
		return ResultEscalated, nil
	}

	return ResultRejected, nil
}
