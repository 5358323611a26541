package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mr1hm/go-rescue-dispatch/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateAttempt is returned when an attempt with the same
	// idempotency key (or identity) was already recorded.
	ErrDuplicateAttempt = errors.New("duplicate attempt")
)

type IncidentFilter struct {
	Limit    int
	Status   *models.IncidentStatus
	Urgency  *models.Urgency
	Since    *time.Time
	Assigned *bool
}

type IncidentRepository interface {
	AddIncident(ctx context.Context, inc *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, opts IncidentFilter) ([]models.Incident, error)
	// AssignResponder performs the first-acceptance-wins compare-and-swap:
	// notifying + unassigned -> acknowledged + assigned. Returns false when
	// the guard did not match, i.e. somebody else already won.
	AssignResponder(ctx context.Context, incidentID, responderID string) (bool, error)
	// TransitionIncident moves the incident to the target status only if its
	// current status is one of from. Returns false if the guard failed.
	TransitionIncident(ctx context.Context, id string, from []models.IncidentStatus, to models.IncidentStatus, reason string) (bool, error)
	// SetIncidentLevel records the level the incident is executing and resets
	// the per-level rejection counter.
	SetIncidentLevel(ctx context.Context, id string, level int) error
	// IncrementRejections bumps the current level's rejection counter and
	// returns the new count. Counts only while the incident is notifying.
	IncrementRejections(ctx context.Context, id string) (int, error)
}

type ResponderRepository interface {
	AddResponder(ctx context.Context, r *models.Responder) error
	GetResponder(ctx context.Context, id string) (*models.Responder, error)
	ListActiveResponders(ctx context.Context) ([]models.Responder, error)
}

type AttemptRepository interface {
	AddAttempt(ctx context.Context, a *models.NotificationAttempt) error
	GetAttempt(ctx context.Context, key string) (*models.NotificationAttempt, error)
	// UpdateAttemptStatus applies a forward-only status transition and stamps
	// the matching timestamp. Updating to the current status is a no-op.
	UpdateAttemptStatus(ctx context.Context, key string, to models.AttemptStatus, errDetail string) error
	ListAttemptsByIncident(ctx context.Context, incidentID string) ([]models.NotificationAttempt, error)
	// LatestAttempt returns the highest-seq attempt for the identity, or
	// ErrNotFound when the responder was never contacted on that channel.
	LatestAttempt(ctx context.Context, incidentID, responderID string, ch models.Channel) (*models.NotificationAttempt, error)
	// CancelPendingAttempts cancels every non-terminal attempt of the
	// incident except the one identified by exceptKey (may be empty).
	CancelPendingAttempts(ctx context.Context, incidentID, exceptKey string) (int64, error)
}

// Timer is a persisted escalation deadline. One timer per incident: the
// engine always waits for exactly one level at a time.
type Timer struct {
	IncidentID string
	Level      int
	DueAt      time.Time
}

type TimerRepository interface {
	ScheduleTimer(ctx context.Context, incidentID string, level int, dueAt time.Time) error
	DueTimers(ctx context.Context, now time.Time) ([]Timer, error)
	DeleteTimer(ctx context.Context, incidentID string) error
	AllTimers(ctx context.Context) ([]Timer, error)
}

type AuditRepository interface {
	AppendAudit(ctx context.Context, ev *models.AuditEvent) error
	ListAuditByIncident(ctx context.Context, incidentID string) ([]models.AuditEvent, error)
	ListRecentAudit(ctx context.Context, limit int) ([]models.AuditEvent, error)
}
