package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mr1hm/go-rescue-dispatch/internal/config"
	"github.com/mr1hm/go-rescue-dispatch/internal/dispatch"
	"github.com/mr1hm/go-rescue-dispatch/internal/events"
	"github.com/mr1hm/go-rescue-dispatch/internal/geomatch"
	"github.com/mr1hm/go-rescue-dispatch/internal/models"
	"github.com/mr1hm/go-rescue-dispatch/internal/repository"
	"github.com/mr1hm/go-rescue-dispatch/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// syncRunner executes tasks inline so tests see dispatch effects
// immediately.
type syncRunner struct{}

func (syncRunner) Submit(task worker.Task) {
	_ = task(context.Background())
}

type okAdapter struct{ ch models.Channel }

func (a okAdapter) Channel() models.Channel { return a.ch }
func (a okAdapter) Send(ctx context.Context, address, message string) error {
	return nil
}

func testLadder() config.EscalationConfig {
	return config.EscalationConfig{
		Levels: []config.EscalationLevel{
			{Candidates: 2, RadiusKm: 10, Channels: []string{"sms"}, Wait: 40 * time.Millisecond},
			{Candidates: 5, RadiusKm: 20, Channels: []string{"sms", "voice"}, Wait: 40 * time.Millisecond, ReuseResponders: true},
		},
		RejectThreshold:   2,
		TimerPollInterval: 10 * time.Millisecond,
		WaitScale: map[string]float64{
			"low": 1.0, "medium": 1.0, "high": 0.5, "critical": 0.25,
		},
	}
}

func setupEngine(t *testing.T) (*Engine, *repository.SQLiteDB) {
	t.Helper()
	db, err := repository.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	adapters := map[models.Channel]dispatch.ChannelAdapter{
		models.ChannelSMS:   okAdapter{ch: models.ChannelSMS},
		models.ChannelVoice: okAdapter{ch: models.ChannelVoice},
	}
	sender := dispatch.NewDispatcher(db, adapters, config.DispatchConfig{
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		DedupTTL:    time.Minute,
		MaxSeq:      3,
	})

	engine, err := NewEngine(db, geomatch.NewMatcher(db), sender,
		events.NewRecorder(db, nil), syncRunner{}, testLadder(), 3)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine, db
}

func addResponder(t *testing.T, db *repository.SQLiteDB, id string, lat float64, score float64, channels ...models.Channel) {
	t.Helper()
	var contacts []models.ContactChannel
	for _, ch := range channels {
		contacts = append(contacts, models.ContactChannel{Channel: ch, Address: "addr-" + id})
	}
	err := db.AddResponder(context.Background(), &models.Responder{
		ID:           id,
		Name:         id,
		Latitude:     lat,
		Longitude:    0,
		Capabilities: []string{"dog"},
		Score:        score,
		Active:       true,
		Channels:     contacts,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("AddResponder failed: %v", err)
	}
}

func newIncident(id string, urgency models.Urgency) *models.Incident {
	return &models.Incident{
		ID:           id,
		Latitude:     0,
		Longitude:    0,
		Capabilities: []string{"dog"},
		Urgency:      urgency,
		CreatedAt:    time.Now(),
	}
}

func TestEngine_MissingAdapterForLadderChannel(t *testing.T) {
	db, err := repository.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	defer db.Close()

	sender := dispatch.NewDispatcher(db,
		map[models.Channel]dispatch.ChannelAdapter{models.ChannelSMS: okAdapter{ch: models.ChannelSMS}},
		config.DispatchConfig{MaxRetries: 1, BackoffBase: time.Millisecond, DedupTTL: time.Minute, MaxSeq: 3})

	_, err = NewEngine(db, geomatch.NewMatcher(db), sender,
		events.NewRecorder(db, nil), syncRunner{}, testLadder(), 3)
	if err == nil {
		t.Fatal("expected error for ladder channel without adapter")
	}
}

func TestEngine_OpenIncidentNotifiesNearestCandidates(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()

	addResponder(t, db, "close_high", 0.01, 5, models.ChannelSMS)
	addResponder(t, db, "close_low", 0.01, 1, models.ChannelSMS)
	addResponder(t, db, "mid", 0.02, 3, models.ChannelSMS)

	inc := newIncident("inc_1", models.UrgencyHigh)
	if err := engine.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}

	got, err := db.GetIncident(ctx, "inc_1")
	if err != nil {
		t.Fatalf("GetIncident failed: %v", err)
	}
	if got.Status != models.IncidentNotifying || got.Level != 1 {
		t.Errorf("expected notifying level 1, got %s level %d", got.Status, got.Level)
	}

	attempts, err := db.ListAttemptsByIncident(ctx, "inc_1")
	if err != nil {
		t.Fatalf("ListAttemptsByIncident failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts at level 1, got %d", len(attempts))
	}
	notified := map[string]bool{}
	for _, a := range attempts {
		if a.Status != models.AttemptSent {
			t.Errorf("expected sent attempt, got %s", a.Status)
		}
		notified[a.ResponderID] = true
	}
	if !notified["close_high"] || !notified["mid"] {
		t.Errorf("expected the two best-ranked responders, got %v", notified)
	}

	timers, _ := db.AllTimers(ctx)
	if len(timers) != 1 || timers[0].Level != 1 {
		t.Errorf("expected one armed level-1 timer, got %v", timers)
	}
}

func TestEngine_AdvanceWidensAndThenExpires(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()

	addResponder(t, db, "r1", 0.01, 5, models.ChannelSMS)
	addResponder(t, db, "r2", 0.05, 3, models.ChannelSMS, models.ChannelVoice)

	inc := newIncident("inc_1", models.UrgencyMedium)
	if err := engine.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}

	if err := engine.Advance(ctx, "inc_1", 1); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	got, _ := db.GetIncident(ctx, "inc_1")
	if got.Level != 2 || got.Status != models.IncidentNotifying {
		t.Fatalf("expected notifying level 2, got %s level %d", got.Status, got.Level)
	}

	// Past the last rung nobody answered: the incident expires.
	if err := engine.Advance(ctx, "inc_1", 2); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	got, _ = db.GetIncident(ctx, "inc_1")
	if got.Status != models.IncidentExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Error("expected resolved_at on expiry")
	}

	timers, _ := db.AllTimers(ctx)
	if len(timers) != 0 {
		t.Errorf("expected timers cleaned up, got %v", timers)
	}
	attempts, _ := db.ListAttemptsByIncident(ctx, "inc_1")
	for _, a := range attempts {
		if a.Status != models.AttemptCancelled {
			t.Errorf("expected attempt cancelled on expiry, got %s", a.Status)
		}
	}
}

func TestEngine_AdvanceIsStaleSafe(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()

	addResponder(t, db, "r1", 0.01, 5, models.ChannelSMS)

	inc := newIncident("inc_1", models.UrgencyMedium)
	if err := engine.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}

	// A stale timer for a level the incident is no longer on does not
	// escalate; it re-arms the timer for the level actually running.
	if err := engine.Advance(ctx, "inc_1", 5); err != nil {
		t.Fatalf("stale Advance failed: %v", err)
	}
	got, _ := db.GetIncident(ctx, "inc_1")
	if got.Level != 1 {
		t.Errorf("stale advance must not change level, got %d", got.Level)
	}
	timers, _ := db.AllTimers(ctx)
	if len(timers) != 1 || timers[0].Level != 1 {
		t.Errorf("expected a re-armed level-1 timer, got %v", timers)
	}
}

func TestEngine_EmptyLevelEscalatesImmediately(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()

	// Only reachable from level 2's wider radius, roughly 15km out.
	addResponder(t, db, "far", 0.14, 5, models.ChannelSMS)

	inc := newIncident("inc_1", models.UrgencyMedium)
	if err := engine.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}

	got, _ := db.GetIncident(ctx, "inc_1")
	if got.Status != models.IncidentNotifying || got.Level != 2 {
		t.Fatalf("empty level 1 must escalate immediately, got %s level %d", got.Status, got.Level)
	}

	attempts, _ := db.ListAttemptsByIncident(ctx, "inc_1")
	if len(attempts) != 1 || attempts[0].ResponderID != "far" {
		t.Errorf("expected the level-2 responder notified, got %v", attempts)
	}
	timers, _ := db.AllTimers(ctx)
	if len(timers) != 1 || timers[0].Level != 2 {
		t.Errorf("expected a level-2 timer armed, got %v", timers)
	}
}

func TestEngine_AllLevelsEmptyExpires(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()

	inc := newIncident("inc_1", models.UrgencyMedium)
	if err := engine.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}

	got, _ := db.GetIncident(ctx, "inc_1")
	if got.Status != models.IncidentExpired {
		t.Fatalf("nobody to notify on any level must expire on the spot, got %s", got.Status)
	}
	timers, _ := db.AllTimers(ctx)
	if len(timers) != 0 {
		t.Errorf("expected no timers, got %v", timers)
	}
}

func TestEngine_DueTimerSurvivesUntilAdvanceLands(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()

	addResponder(t, db, "r1", 0.01, 5, models.ChannelSMS, models.ChannelVoice)

	inc := newIncident("inc_1", models.UrgencyMedium)
	if err := engine.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}

	// Force the level-1 timer due and fire it by hand. The advance must
	// replace the timer, never leave the incident without one.
	if err := db.ScheduleTimer(ctx, "inc_1", 1, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ScheduleTimer failed: %v", err)
	}
	engine.fireDueTimers(ctx)

	got, _ := db.GetIncident(ctx, "inc_1")
	if got.Level != 2 || got.Status != models.IncidentNotifying {
		t.Fatalf("expected notifying level 2, got %s level %d", got.Status, got.Level)
	}
	timers, _ := db.AllTimers(ctx)
	if len(timers) != 1 || timers[0].Level != 2 {
		t.Fatalf("expected a level-2 timer, got %v", timers)
	}
	if !timers[0].DueAt.After(time.Now()) {
		t.Error("replacement timer must be due in the future")
	}
}

func TestEngine_DueTimerForTerminalIncidentDropped(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()

	addResponder(t, db, "r1", 0.01, 5, models.ChannelSMS)

	inc := newIncident("inc_1", models.UrgencyHigh)
	if err := engine.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}
	if err := engine.Cancel(ctx, "inc_1", "no longer needed"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if err := db.ScheduleTimer(ctx, "inc_1", 1, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ScheduleTimer failed: %v", err)
	}
	engine.fireDueTimers(ctx)

	timers, _ := db.AllTimers(ctx)
	if len(timers) != 0 {
		t.Errorf("timer of a cancelled incident must be retired, got %v", timers)
	}
	got, _ := db.GetIncident(ctx, "inc_1")
	if got.Status != models.IncidentCancelled {
		t.Errorf("cancelled incident must stay cancelled, got %s", got.Status)
	}
}

func TestEngine_AcceptFirstWinsAndCancelsSiblings(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()

	addResponder(t, db, "winner", 0.01, 5, models.ChannelSMS)
	addResponder(t, db, "loser", 0.02, 3, models.ChannelSMS)

	inc := newIncident("inc_1", models.UrgencyHigh)
	if err := engine.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}

	winnerKey := models.AttemptKey("inc_1", "winner", models.ChannelSMS, 1)
	if err := engine.Accept(ctx, "inc_1", "winner", winnerKey); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	got, _ := db.GetIncident(ctx, "inc_1")
	if got.Status != models.IncidentAcknowledged {
		t.Errorf("expected acknowledged, got %s", got.Status)
	}
	if got.AssignedResponderID == nil || *got.AssignedResponderID != "winner" {
		t.Errorf("expected winner assigned, got %v", got.AssignedResponderID)
	}

	timers, _ := db.AllTimers(ctx)
	if len(timers) != 0 {
		t.Errorf("expected timer removed on acceptance, got %v", timers)
	}

	loserAttempt, _ := db.GetAttempt(ctx, models.AttemptKey("inc_1", "loser", models.ChannelSMS, 1))
	if loserAttempt.Status != models.AttemptCancelled {
		t.Errorf("expected sibling attempt cancelled, got %s", loserAttempt.Status)
	}
	winnerAttempt, _ := db.GetAttempt(ctx, winnerKey)
	if winnerAttempt.Status == models.AttemptCancelled {
		t.Error("winner's own attempt must not be cancelled")
	}

	// Late acceptance loses, repeat acceptance by the owner is a no-op.
	if err := engine.Accept(ctx, "inc_1", "loser", ""); !errors.Is(err, ErrTooLate) {
		t.Errorf("expected ErrTooLate for late accept, got %v", err)
	}
	if err := engine.Accept(ctx, "inc_1", "winner", winnerKey); err != nil {
		t.Errorf("repeat accept by owner must be a no-op, got %v", err)
	}
}

func TestEngine_CancelThenLateAccept(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()

	addResponder(t, db, "r1", 0.01, 5, models.ChannelSMS)

	inc := newIncident("inc_1", models.UrgencyHigh)
	if err := engine.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}

	if err := engine.Cancel(ctx, "inc_1", "reporter recanted"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, _ := db.GetIncident(ctx, "inc_1")
	if got.Status != models.IncidentCancelled || got.CancelReason != "reporter recanted" {
		t.Errorf("expected cancelled with reason, got %s %q", got.Status, got.CancelReason)
	}

	if err := engine.Accept(ctx, "inc_1", "r1", ""); !errors.Is(err, ErrTerminal) {
		t.Errorf("accept after cancel must report terminal, got %v", err)
	}

	// Cancelling twice reports terminal too.
	if err := engine.Cancel(ctx, "inc_1", "again"); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal on double cancel, got %v", err)
	}
}

func TestEngine_ProgressLifecycle(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()

	addResponder(t, db, "r1", 0.01, 5, models.ChannelSMS)
	inc := newIncident("inc_1", models.UrgencyHigh)
	if err := engine.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}

	if err := engine.MarkInProgress(ctx, "inc_1"); err == nil {
		t.Error("in_progress before acknowledgement must fail")
	}

	if err := engine.Accept(ctx, "inc_1", "r1", ""); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if err := engine.MarkInProgress(ctx, "inc_1"); err != nil {
		t.Fatalf("MarkInProgress failed: %v", err)
	}
	if err := engine.Resolve(ctx, "inc_1"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	got, _ := db.GetIncident(ctx, "inc_1")
	if got.Status != models.IncidentResolved || got.ResolvedAt == nil {
		t.Errorf("expected resolved with timestamp, got %s", got.Status)
	}
}

func TestEngine_TimerLoopEscalates(t *testing.T) {
	engine, db := setupEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addResponder(t, db, "r1", 0.01, 5, models.ChannelSMS)

	go engine.Run(ctx)
	defer engine.Stop()

	inc := newIncident("inc_1", models.UrgencyCritical)
	if err := engine.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}

	// Critical compresses the 40ms wait to 10ms; the poll loop should walk
	// the incident through level 2 and then expiry.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := db.GetIncident(ctx, "inc_1")
		if err != nil {
			t.Fatalf("GetIncident failed: %v", err)
		}
		if got.Status == models.IncidentExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("incident never expired, status %s level %d", got.Status, got.Level)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngine_RecoverDropsStaleTimers(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()

	addResponder(t, db, "r1", 0.01, 5, models.ChannelSMS)

	live := newIncident("live", models.UrgencyHigh)
	if err := engine.OpenIncident(ctx, live); err != nil {
		t.Fatalf("OpenIncident failed: %v", err)
	}

	// A timer whose incident is already terminal must be dropped.
	done := newIncident("done", models.UrgencyHigh)
	done.Status = models.IncidentResolved
	if err := db.AddIncident(ctx, done); err != nil {
		t.Fatalf("AddIncident failed: %v", err)
	}
	if err := db.ScheduleTimer(ctx, "done", 1, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleTimer failed: %v", err)
	}
	// So must a timer pointing at a deleted incident.
	if err := db.ScheduleTimer(ctx, "ghost", 1, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleTimer failed: %v", err)
	}

	if err := engine.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	timers, _ := db.AllTimers(ctx)
	if len(timers) != 1 || timers[0].IncidentID != "live" {
		t.Errorf("expected only the live timer kept, got %v", timers)
	}
}

func TestEngine_LevelWaitScaling(t *testing.T) {
	engine, _ := setupEngine(t)
	lvl := config.EscalationLevel{Wait: 100 * time.Millisecond}

	if got := engine.levelWait(lvl, models.UrgencyLow); got != 100*time.Millisecond {
		t.Errorf("low urgency wait: got %v", got)
	}
	if got := engine.levelWait(lvl, models.UrgencyCritical); got != 25*time.Millisecond {
		t.Errorf("critical urgency wait: got %v", got)
	}
	// Unknown urgency falls back to the base wait.
	if got := engine.levelWait(lvl, models.Urgency("weird")); got != 100*time.Millisecond {
		t.Errorf("unknown urgency wait: got %v", got)
	}
}
