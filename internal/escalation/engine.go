// Package escalation drives the incident state machine: who gets notified
// at which level, when the next level fires, and who wins the assignment.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mr1hm/go-rescue-dispatch/internal/config"
	"github.com/mr1hm/go-rescue-dispatch/internal/dispatch"
	"github.com/mr1hm/go-rescue-dispatch/internal/events"
	"github.com/mr1hm/go-rescue-dispatch/internal/geomatch"
	"github.com/mr1hm/go-rescue-dispatch/internal/models"
	"github.com/mr1hm/go-rescue-dispatch/internal/repository"
	"github.com/mr1hm/go-rescue-dispatch/internal/worker"
)

var (
	// ErrTooLate is returned when a responder accepts an incident somebody
	// else already owns.
	ErrTooLate = errors.New("incident already assigned")
	// ErrTerminal is returned for operations on resolved, cancelled or
	// expired incidents.
	ErrTerminal = errors.New("incident is in a terminal state")
)

// Store is the persistence surface the engine needs. *repository.SQLiteDB
// satisfies it.
type Store interface {
	repository.IncidentRepository
	repository.AttemptRepository
	repository.TimerRepository
}

// Sender delivers one notification attempt. Implemented by
// *dispatch.Dispatcher.
type Sender interface {
	Send(ctx context.Context, inc *models.Incident, r *models.Responder, ch models.Channel, seq int, message string) (dispatch.DeliveryResult, error)
	HasAdapter(ch models.Channel) bool
}

// TaskRunner executes dispatch work off the caller's goroutine.
// *worker.Pool satisfies it.
type TaskRunner interface {
	Submit(task worker.Task)
}

type Engine struct {
	store    Store
	matcher  *geomatch.Matcher
	sender   Sender
	recorder *events.Recorder
	runner   TaskRunner
	cfg      config.EscalationConfig
	maxSeq   int
	now      func() time.Time

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	pending map[string]bool // incidents with an in-flight timer advance

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewEngine(store Store, matcher *geomatch.Matcher, sender Sender, recorder *events.Recorder, runner TaskRunner, cfg config.EscalationConfig, maxSeq int) (*Engine, error) {
	for i, lvl := range cfg.Levels {
		for _, ch := range lvl.Channels {
			if !sender.HasAdapter(models.Channel(ch)) {
				return nil, fmt.Errorf("escalation level %d uses channel %s with no adapter", i+1, ch)
			}
		}
	}

	return &Engine{
		store:    store,
		matcher:  matcher,
		sender:   sender,
		recorder: recorder,
		runner:   runner,
		cfg:      cfg,
		maxSeq:   maxSeq,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
		pending:  make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// lockIncident serializes all state transitions of one incident. The
// database CAS is the correctness guard; the lock just avoids wasted work
// when the timer loop and a response race.
func (e *Engine) lockIncident(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (e *Engine) releaseLock(id string) {
	e.mu.Lock()
	delete(e.locks, id)
	e.mu.Unlock()
}

// OpenIncident persists the incident, notifies the first escalation level
// and arms its timer. The incident enters status notifying at level 1.
func (e *Engine) OpenIncident(ctx context.Context, inc *models.Incident) error {
	inc.Status = models.IncidentNotifying
	inc.Level = 1
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = e.now()
	}

	if err := e.store.AddIncident(ctx, inc); err != nil {
		return fmt.Errorf("error creating incident: %w", err)
	}

	e.recorder.Record(ctx, models.AuditIncidentCreated, inc.ID, map[string]any{
		"urgency":      string(inc.Urgency),
		"capabilities": inc.Capabilities,
	})

	unlock := e.lockIncident(inc.ID)
	defer unlock()
	return e.runLevel(ctx, inc, 1)
}

// runLevel notifies the level's candidates and arms the escalation timer.
// A level where nobody could be reached escalates on the spot instead of
// burning its wait; an all-empty ladder expires the incident immediately.
// Caller holds the incident lock.
func (e *Engine) runLevel(ctx context.Context, inc *models.Incident, level int) error {
	message := buildMessage(inc)

	for {
		lvl := e.cfg.Levels[level-1]

		exclude, err := e.levelExclusions(ctx, inc.ID, lvl)
		if err != nil {
			return err
		}

		candidates, err := e.matcher.FindCandidates(ctx, inc.Coordinates(), inc.Capabilities, lvl.RadiusKm, exclude)
		if err != nil {
			return fmt.Errorf("error matching responders: %w", err)
		}
		if len(candidates) > lvl.Candidates {
			candidates = candidates[:lvl.Candidates]
		}

		notified := 0
		for _, c := range candidates {
			ch, seq, ok := e.pickChannel(ctx, inc.ID, &c.Responder, lvl.Channels)
			if !ok {
				continue
			}
			notified++
			e.submitSend(inc, c.Responder, ch, seq, message)
		}

		if notified > 0 {
			slog.Info("level notified",
				"incident_id", inc.ID, "level", level,
				"candidates", len(candidates), "notified", notified)

			wait := e.levelWait(lvl, inc.Urgency)
			if err := e.store.ScheduleTimer(ctx, inc.ID, level, e.now().Add(wait)); err != nil {
				return fmt.Errorf("error scheduling timer: %w", err)
			}
			return nil
		}

		slog.Warn("no reachable candidates at level, escalating immediately",
			"incident_id", inc.ID, "level", level)

		level++
		if level > len(e.cfg.Levels) {
			return e.expire(ctx, inc)
		}
		if err := e.store.SetIncidentLevel(ctx, inc.ID, level); err != nil {
			return fmt.Errorf("error setting level: %w", err)
		}
		inc.Level = level
		inc.Rejections = 0
		e.recorder.Record(ctx, models.AuditLevelEscalated, inc.ID, map[string]any{
			"level": level,
		})
	}
}

// levelExclusions lists responders the level must not contact again. With
// ReuseResponders only channel-level dedup applies, handled in pickChannel.
func (e *Engine) levelExclusions(ctx context.Context, incidentID string, lvl config.EscalationLevel) (map[string]bool, error) {
	if lvl.ReuseResponders {
		return nil, nil
	}
	attempts, err := e.store.ListAttemptsByIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("error listing attempts: %w", err)
	}
	exclude := make(map[string]bool, len(attempts))
	for _, a := range attempts {
		exclude[a.ResponderID] = true
	}
	return exclude, nil
}

// pickChannel chooses the responder's most preferred channel allowed at the
// level that is still contactable: never attempted, or attempted and failed
// with retry budget left. Channels with a live or answered attempt are
// skipped so one responder is never double-pinged on the same channel.
func (e *Engine) pickChannel(ctx context.Context, incidentID string, r *models.Responder, allowed []string) (models.Channel, int, bool) {
	allowedSet := make(map[models.Channel]bool, len(allowed))
	for _, ch := range allowed {
		allowedSet[models.Channel(ch)] = true
	}

	for _, contact := range r.Channels {
		if !allowedSet[contact.Channel] {
			continue
		}
		latest, err := e.store.LatestAttempt(ctx, incidentID, r.ID, contact.Channel)
		if errors.Is(err, repository.ErrNotFound) {
			return contact.Channel, 1, true
		}
		if err != nil {
			slog.Error("failed to check prior attempt", "incident_id", incidentID, "responder_id", r.ID, "error", err)
			continue
		}
		switch latest.Status {
		case models.AttemptFailed, models.AttemptCancelled:
			if latest.Seq < e.maxSeq {
				return contact.Channel, latest.Seq + 1, true
			}
		}
	}
	return "", 0, false
}

func (e *Engine) submitSend(inc *models.Incident, r models.Responder, ch models.Channel, seq int, message string) {
	incCopy := *inc
	e.runner.Submit(func(ctx context.Context) error {
		res, err := e.sender.Send(ctx, &incCopy, &r, ch, seq, message)
		if err != nil {
			return fmt.Errorf("dispatch to %s via %s: %w", r.ID, ch, err)
		}
		if res.Duplicate {
			return nil
		}
		payload := map[string]any{
			"responder_id": r.ID,
			"channel":      string(ch),
			"seq":          seq,
		}
		if res.Status == models.AttemptSent {
			e.recorder.Record(ctx, models.AuditAttemptSent, incCopy.ID, payload)
		} else {
			payload["error"] = res.Error
			e.recorder.Record(ctx, models.AuditAttemptFailed, incCopy.ID, payload)
		}
		return nil
	})
}

func (e *Engine) levelWait(lvl config.EscalationLevel, urgency models.Urgency) time.Duration {
	scale, ok := e.cfg.WaitScale[string(urgency)]
	if !ok || scale <= 0 {
		scale = 1.0
	}
	return time.Duration(float64(lvl.Wait) * scale)
}

// Advance moves the incident from fromLevel to the next ladder rung, or
// expires it past the last rung. Stale calls, e.g. a timer firing after an
// acceptance, are no-ops that retire the leftover timer; the timer row is
// only removed once the advance actually lands, so a crash or a transient
// failure leaves it due and the next tick retries.
func (e *Engine) Advance(ctx context.Context, incidentID string, fromLevel int) error {
	unlock := e.lockIncident(incidentID)
	defer unlock()

	inc, err := e.store.GetIncident(ctx, incidentID)
	if errors.Is(err, repository.ErrNotFound) {
		if err := e.store.DeleteTimer(ctx, incidentID); err != nil {
			slog.Error("failed to drop orphaned timer", "incident_id", incidentID, "error", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("error loading incident: %w", err)
	}
	if inc.Status != models.IncidentNotifying {
		if err := e.store.DeleteTimer(ctx, incidentID); err != nil {
			slog.Error("failed to delete stale timer", "incident_id", incidentID, "error", err)
		}
		return nil
	}
	if inc.Level != fromLevel {
		// The timer row fell out of step with the incident, e.g. a crash
		// between the level bump and the re-arm. Re-arm for the level that
		// is actually running.
		wait := e.levelWait(e.cfg.Levels[inc.Level-1], inc.Urgency)
		if err := e.store.ScheduleTimer(ctx, incidentID, inc.Level, e.now().Add(wait)); err != nil {
			slog.Error("failed to re-arm timer", "incident_id", incidentID, "error", err)
		}
		return nil
	}

	next := fromLevel + 1
	if next > len(e.cfg.Levels) {
		return e.expire(ctx, inc)
	}

	if err := e.store.SetIncidentLevel(ctx, incidentID, next); err != nil {
		return fmt.Errorf("error setting level: %w", err)
	}
	inc.Level = next
	inc.Rejections = 0

	e.recorder.Record(ctx, models.AuditLevelEscalated, incidentID, map[string]any{
		"level": next,
	})
	slog.Info("incident escalated", "incident_id", incidentID, "level", next)

	return e.runLevel(ctx, inc, next)
}

// expire ends an incident nobody took. Caller holds the incident lock.
func (e *Engine) expire(ctx context.Context, inc *models.Incident) error {
	ok, err := e.store.TransitionIncident(ctx, inc.ID,
		[]models.IncidentStatus{models.IncidentNotifying}, models.IncidentExpired, "")
	if err != nil {
		return fmt.Errorf("error expiring incident: %w", err)
	}
	if !ok {
		return nil
	}

	if err := e.store.DeleteTimer(ctx, inc.ID); err != nil {
		slog.Error("failed to delete timer", "incident_id", inc.ID, "error", err)
	}
	if _, err := e.store.CancelPendingAttempts(ctx, inc.ID, ""); err != nil {
		slog.Error("failed to cancel attempts", "incident_id", inc.ID, "error", err)
	}

	e.recorder.Record(ctx, models.AuditIncidentExpired, inc.ID, map[string]any{
		"levels_exhausted": len(e.cfg.Levels),
	})
	slog.Warn("incident expired unattended", "incident_id", inc.ID)
	e.releaseLock(inc.ID)
	return nil
}

// Accept assigns the incident to the responder if nobody beat them to it.
// exceptKey names the responder's own attempt so sibling cancellation does
// not touch it. Accepting an incident already owned by the same responder
// is an idempotent no-op; anyone else gets ErrTooLate.
func (e *Engine) Accept(ctx context.Context, incidentID, responderID, exceptKey string) error {
	unlock := e.lockIncident(incidentID)
	defer unlock()

	won, err := e.store.AssignResponder(ctx, incidentID, responderID)
	if err != nil {
		return fmt.Errorf("error assigning responder: %w", err)
	}
	if !won {
		inc, err := e.store.GetIncident(ctx, incidentID)
		if err != nil {
			return fmt.Errorf("error loading incident: %w", err)
		}
		if inc.Status.Terminal() {
			return ErrTerminal
		}
		if inc.AssignedResponderID != nil && *inc.AssignedResponderID == responderID {
			return nil
		}
		e.recorder.Record(ctx, models.AuditAcceptanceLate, incidentID, map[string]any{
			"responder_id": responderID,
		})
		return ErrTooLate
	}

	if err := e.store.DeleteTimer(ctx, incidentID); err != nil {
		slog.Error("failed to delete timer", "incident_id", incidentID, "error", err)
	}
	if _, err := e.store.CancelPendingAttempts(ctx, incidentID, exceptKey); err != nil {
		slog.Error("failed to cancel sibling attempts", "incident_id", incidentID, "error", err)
	}

	e.recorder.Record(ctx, models.AuditResponderAssigned, incidentID, map[string]any{
		"responder_id": responderID,
	})
	slog.Info("responder assigned", "incident_id", incidentID, "responder_id", responderID)
	return nil
}

// Cancel ends the incident from any non-terminal state.
func (e *Engine) Cancel(ctx context.Context, incidentID, reason string) error {
	unlock := e.lockIncident(incidentID)
	defer unlock()

	ok, err := e.store.TransitionIncident(ctx, incidentID,
		[]models.IncidentStatus{
			models.IncidentOpen, models.IncidentNotifying,
			models.IncidentAcknowledged, models.IncidentInProgress,
		},
		models.IncidentCancelled, reason)
	if err != nil {
		return fmt.Errorf("error cancelling incident: %w", err)
	}
	if !ok {
		if _, err := e.store.GetIncident(ctx, incidentID); errors.Is(err, repository.ErrNotFound) {
			return repository.ErrNotFound
		}
		return ErrTerminal
	}

	if err := e.store.DeleteTimer(ctx, incidentID); err != nil {
		slog.Error("failed to delete timer", "incident_id", incidentID, "error", err)
	}
	if _, err := e.store.CancelPendingAttempts(ctx, incidentID, ""); err != nil {
		slog.Error("failed to cancel attempts", "incident_id", incidentID, "error", err)
	}

	e.recorder.Record(ctx, models.AuditIncidentCancelled, incidentID, map[string]any{
		"reason": reason,
	})
	e.releaseLock(incidentID)
	return nil
}

// MarkInProgress records that the assigned responder started working.
func (e *Engine) MarkInProgress(ctx context.Context, incidentID string) error {
	ok, err := e.store.TransitionIncident(ctx, incidentID,
		[]models.IncidentStatus{models.IncidentAcknowledged}, models.IncidentInProgress, "")
	if err != nil {
		return fmt.Errorf("error marking in progress: %w", err)
	}
	if !ok {
		return fmt.Errorf("incident %s is not acknowledged", incidentID)
	}
	return nil
}

// Resolve closes an incident the assigned responder finished.
func (e *Engine) Resolve(ctx context.Context, incidentID string) error {
	ok, err := e.store.TransitionIncident(ctx, incidentID,
		[]models.IncidentStatus{models.IncidentAcknowledged, models.IncidentInProgress},
		models.IncidentResolved, "")
	if err != nil {
		return fmt.Errorf("error resolving incident: %w", err)
	}
	if !ok {
		return fmt.Errorf("incident %s cannot be resolved from its current state", incidentID)
	}

	e.recorder.Record(ctx, models.AuditIncidentResolved, incidentID, nil)
	e.releaseLock(incidentID)
	return nil
}

// Run drains due escalation timers until the context ends or Stop is
// called. Timers are persisted, so a restart picks up where the previous
// process stopped; overdue timers fire on the first tick.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.TimerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.fireDueTimers(ctx)
		}
	}
}

func (e *Engine) fireDueTimers(ctx context.Context) {
	due, err := e.store.DueTimers(ctx, e.now())
	if err != nil {
		slog.Error("failed to query due timers", "error", err)
		return
	}

	for _, t := range due {
		timer := t
		if !e.beginAdvance(timer.IncidentID) {
			continue
		}
		e.runner.Submit(func(ctx context.Context) error {
			defer e.endAdvance(timer.IncidentID)
			return e.Advance(ctx, timer.IncidentID, timer.Level)
		})
	}
}

// beginAdvance claims the incident's timer so a due timer is not submitted
// again while its advance is still in flight.
func (e *Engine) beginAdvance(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending[id] {
		return false
	}
	e.pending[id] = true
	return true
}

func (e *Engine) endAdvance(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// Recover reconciles persisted timers after a restart, dropping timers of
// incidents that are no longer notifying. Remaining timers fire through the
// normal Run loop.
func (e *Engine) Recover(ctx context.Context) error {
	timers, err := e.store.AllTimers(ctx)
	if err != nil {
		return fmt.Errorf("error loading timers: %w", err)
	}

	kept := 0
	for _, t := range timers {
		inc, err := e.store.GetIncident(ctx, t.IncidentID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && inc.Status != models.IncidentNotifying) {
			if err := e.store.DeleteTimer(ctx, t.IncidentID); err != nil {
				slog.Error("failed to drop stale timer", "incident_id", t.IncidentID, "error", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("error loading incident %s: %w", t.IncidentID, err)
		}
		kept++
	}

	slog.Info("timers recovered", "kept", kept, "dropped", len(timers)-kept)
	return nil
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

func buildMessage(inc *models.Incident) string {
	return fmt.Sprintf("Rescue needed (%s): %v at %.5f,%.5f. Reply ACCEPT or REJECT. Ref %s",
		inc.Urgency, inc.Capabilities, inc.Latitude, inc.Longitude, inc.ID)
}
