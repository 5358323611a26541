package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mr1hm/go-rescue-dispatch/internal/models"
	"github.com/mr1hm/go-rescue-dispatch/internal/repository"
)

// Recorder writes audit events to storage and fans them out to live
// subscribers. An audit write failure is logged, never fatal: the trail is
// diagnostic, the state machine itself lives in the incident tables.
type Recorder struct {
	audit       repository.AuditRepository
	broadcaster *Broadcaster
}

func NewRecorder(audit repository.AuditRepository, broadcaster *Broadcaster) *Recorder {
	return &Recorder{audit: audit, broadcaster: broadcaster}
}

func (r *Recorder) Record(ctx context.Context, typ models.AuditEventType, incidentID string, payload map[string]any) {
	ev := &models.AuditEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		IncidentID: incidentID,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}

	if err := r.audit.AppendAudit(ctx, ev); err != nil {
		slog.Error("failed to append audit event", "type", typ, "incident_id", incidentID, "error", err)
	}
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(ev)
	}
}
