package models

import (
	"fmt"
	"time"
)

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelPush     Channel = "push"
	ChannelVoice    Channel = "voice"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelWhatsApp, ChannelEmail, ChannelPush, ChannelVoice:
		return true
	}
	return false
}

// ContactChannel is one reachable address of a responder. The order of a
// responder's ContactChannel list is its channel preference.
type ContactChannel struct {
	Channel Channel `json:"channel"`
	Address string  `json:"address"` // phone, chat id or email depending on channel
}

type Responder struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Latitude        float64          `json:"latitude"`
	Longitude       float64          `json:"longitude"`
	Capabilities    []string         `json:"capabilities"`      // e.g. ["dog", "cat", "wildlife"]
	ServiceRadiusKm float64          `json:"service_radius_km"` // 0 means unlimited
	Score           float64          `json:"score"`             // priority/quality score, higher is better
	Active          bool             `json:"active"`
	Channels        []ContactChannel `json:"channels"`
	QuietStart      string           `json:"quiet_start,omitempty"` // "HH:MM", empty when no quiet hours configured
	QuietEnd        string           `json:"quiet_end,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// HasCapability reports whether any required tag overlaps the responder's tags.
func (r *Responder) HasCapability(required []string) bool {
	for _, want := range required {
		for _, have := range r.Capabilities {
			if want == have {
				return true
			}
		}
	}
	return false
}

// AddressFor returns the responder's address for the given channel.
func (r *Responder) AddressFor(ch Channel) (string, bool) {
	for _, c := range r.Channels {
		if c.Channel == ch {
			return c.Address, true
		}
	}
	return "", false
}

// InQuietHours reports whether t falls inside the responder's quiet-hours
// window. Windows may wrap midnight, e.g. 22:00-07:00.
func (r *Responder) InQuietHours(t time.Time) bool {
	if r.QuietStart == "" || r.QuietEnd == "" {
		return false
	}
	start, ok1 := parseClock(r.QuietStart)
	end, ok2 := parseClock(r.QuietEnd)
	if !ok1 || !ok2 || start == end {
		return false
	}

	minutes := t.Hour()*60 + t.Minute()
	if start < end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

func parseClock(s string) (int, bool) {
	var h, m int
	if n, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || n != 2 {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
