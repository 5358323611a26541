package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type AttemptStatus string

const (
	AttemptQueued       AttemptStatus = "queued"
	AttemptSent         AttemptStatus = "sent"
	AttemptDelivered    AttemptStatus = "delivered"
	AttemptAcknowledged AttemptStatus = "acknowledged"
	AttemptRejected     AttemptStatus = "rejected"
	AttemptFailed       AttemptStatus = "failed"
	AttemptCancelled    AttemptStatus = "cancelled"
)

// attemptTransitions lists the forward-only transitions of an attempt.
// Cancelled is reachable from any non-terminal status and is handled
// separately. A failed send can still be acknowledged or rejected later:
// the provider may deliver the message despite reporting an error. A reply
// can even overtake the send report, so queued attempts accept answers too.
var attemptTransitions = map[AttemptStatus][]AttemptStatus{
	AttemptQueued:    {AttemptSent, AttemptFailed, AttemptAcknowledged, AttemptRejected},
	AttemptSent:      {AttemptDelivered, AttemptFailed},
	AttemptDelivered: {AttemptAcknowledged, AttemptRejected},
	AttemptFailed:    {AttemptAcknowledged, AttemptRejected},
}

// CanTransition reports whether from -> to is a legal attempt transition.
func (from AttemptStatus) CanTransition(to AttemptStatus) bool {
	if to == AttemptCancelled {
		switch from {
		case AttemptAcknowledged, AttemptRejected, AttemptCancelled:
			return false
		}
		return true
	}
	// Acknowledge/reject straight from sent is allowed: not every channel
	// reports delivery before the responder reacts.
	if from == AttemptSent && (to == AttemptAcknowledged || to == AttemptRejected) {
		return true
	}
	for _, next := range attemptTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NotificationAttempt is one recorded send of one message to one responder
// via one channel. Identity is (incident, responder, channel, seq); the
// idempotency key is a deterministic digest of that identity.
type NotificationAttempt struct {
	IncidentID     string        `json:"incident_id"`
	ResponderID    string        `json:"responder_id"`
	Channel        Channel       `json:"channel"`
	Seq            int           `json:"seq"`
	IdempotencyKey string        `json:"idempotency_key"`
	Status         AttemptStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	SentAt         *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty"`
	AckedAt        *time.Time    `json:"acked_at,omitempty"`
}

// AttemptKey derives the idempotency key for an attempt identity. Retries of
// the same identity always produce the same key, so a duplicate send can be
// detected at the storage layer.
func AttemptKey(incidentID, responderID string, ch Channel, seq int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", incidentID, responderID, ch, seq)))
	return hex.EncodeToString(sum[:])
}
