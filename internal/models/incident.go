package models

import "time"

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Rank returns the ordinal position of the urgency, higher is more urgent.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 3
	case UrgencyHigh:
		return 2
	case UrgencyMedium:
		return 1
	default:
		return 0
	}
}

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "open"
	IncidentNotifying    IncidentStatus = "notifying"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentInProgress   IncidentStatus = "in_progress"
	IncidentResolved     IncidentStatus = "resolved"
	IncidentCancelled    IncidentStatus = "cancelled"
	IncidentExpired      IncidentStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s IncidentStatus) Terminal() bool {
	switch s {
	case IncidentResolved, IncidentCancelled, IncidentExpired:
		return true
	}
	return false
}

type Incident struct {
	ID                  string         `json:"id"`
	Latitude            float64        `json:"latitude"`
	Longitude           float64        `json:"longitude"`
	Capabilities        []string       `json:"capabilities"` // required capability tags, e.g. ["dog"]
	Urgency             Urgency        `json:"urgency"`
	Status              IncidentStatus `json:"status"`
	Level               int            `json:"level"`      // escalation level currently executing, 1-based
	Rejections          int            `json:"rejections"` // rejections received at the current level
	AssignedResponderID *string        `json:"assigned_responder_id,omitempty"`
	CancelReason        string         `json:"cancel_reason,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
}

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

func (i *Incident) Coordinates() Coordinates {
	return Coordinates{
		Latitude:  i.Latitude,
		Longitude: i.Longitude,
	}
}
