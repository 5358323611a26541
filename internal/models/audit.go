package models

import "time"

type AuditEventType string

const (
	AuditIncidentCreated   AuditEventType = "incident_created"
	AuditLevelEscalated    AuditEventType = "level_escalated"
	AuditAttemptSent       AuditEventType = "attempt_sent"
	AuditAttemptFailed     AuditEventType = "attempt_failed"
	AuditResponderAssigned AuditEventType = "responder_assigned"
	AuditAcceptanceLate    AuditEventType = "acceptance_too_late"
	AuditIncidentCancelled AuditEventType = "incident_cancelled"
	AuditIncidentExpired   AuditEventType = "incident_expired"
	AuditIncidentResolved  AuditEventType = "incident_resolved"
)

// AuditEvent is one entry of the incident audit trail. Events are persisted
// and also fanned out to live stream subscribers.
type AuditEvent struct {
	ID         string         `json:"id"`
	Type       AuditEventType `json:"type"`
	IncidentID string         `json:"incident_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
