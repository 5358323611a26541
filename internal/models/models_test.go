package models

import (
	"testing"
	"time"
)

func TestInQuietHours(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2025, 6, 1, hour, min, 0, 0, time.UTC)
	}

	r := &Responder{QuietStart: "22:00", QuietEnd: "07:00"}

	cases := []struct {
		when time.Time
		want bool
	}{
		{at(23, 30), true},  // after start, before midnight
		{at(2, 0), true},    // after midnight, before end
		{at(7, 0), false},   // end is exclusive
		{at(12, 0), false},  // daytime
		{at(22, 0), true},   // start is inclusive
		{at(21, 59), false}, // just before start
	}
	for _, tc := range cases {
		if got := r.InQuietHours(tc.when); got != tc.want {
			t.Errorf("InQuietHours(%s) = %v, want %v", tc.when.Format("15:04"), got, tc.want)
		}
	}

	// Non-wrapping window.
	day := &Responder{QuietStart: "09:00", QuietEnd: "17:00"}
	if !day.InQuietHours(at(12, 0)) {
		t.Error("noon should be inside 09:00-17:00")
	}
	if day.InQuietHours(at(18, 0)) {
		t.Error("18:00 should be outside 09:00-17:00")
	}

	// No window configured, or malformed, means never quiet.
	if (&Responder{}).InQuietHours(at(3, 0)) {
		t.Error("empty window must never match")
	}
	if (&Responder{QuietStart: "late", QuietEnd: "early"}).InQuietHours(at(3, 0)) {
		t.Error("malformed window must never match")
	}
}

func TestAttemptTransitions(t *testing.T) {
	allowed := []struct{ from, to AttemptStatus }{
		{AttemptQueued, AttemptSent},
		{AttemptQueued, AttemptFailed},
		{AttemptSent, AttemptDelivered},
		{AttemptSent, AttemptFailed},
		{AttemptSent, AttemptAcknowledged},
		{AttemptSent, AttemptRejected},
		{AttemptDelivered, AttemptAcknowledged},
		{AttemptDelivered, AttemptRejected},
		{AttemptFailed, AttemptAcknowledged},
		{AttemptFailed, AttemptRejected},
		{AttemptQueued, AttemptAcknowledged},
		{AttemptQueued, AttemptRejected},
		{AttemptQueued, AttemptCancelled},
		{AttemptSent, AttemptCancelled},
		{AttemptDelivered, AttemptCancelled},
		{AttemptFailed, AttemptCancelled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to AttemptStatus }{
		{AttemptSent, AttemptQueued},
		{AttemptDelivered, AttemptSent},
		{AttemptAcknowledged, AttemptRejected},
		{AttemptAcknowledged, AttemptCancelled},
		{AttemptRejected, AttemptCancelled},
		{AttemptCancelled, AttemptSent},
		{AttemptCancelled, AttemptCancelled},
		{AttemptQueued, AttemptDelivered},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s must not be allowed", tc.from, tc.to)
		}
	}
}

func TestAttemptKeyDeterministic(t *testing.T) {
	a := AttemptKey("inc", "resp", ChannelSMS, 1)
	b := AttemptKey("inc", "resp", ChannelSMS, 1)
	if a != b {
		t.Error("same identity must produce the same key")
	}
	if AttemptKey("inc", "resp", ChannelSMS, 2) == a {
		t.Error("different seq must change the key")
	}
	if AttemptKey("inc", "resp", ChannelPush, 1) == a {
		t.Error("different channel must change the key")
	}
}

func TestUrgencyRank(t *testing.T) {
	order := []Urgency{UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should outrank %s", order[i], order[i-1])
		}
	}
}
