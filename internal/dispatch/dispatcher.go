// Package dispatch delivers notification attempts over the configured
// channels, exactly once per attempt identity.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mr1hm/go-rescue-dispatch/internal/config"
	"github.com/mr1hm/go-rescue-dispatch/internal/models"
	"github.com/mr1hm/go-rescue-dispatch/internal/repository"
)

// DeliveryResult is the recorded outcome of one Send. Duplicate indicates
// the attempt identity was already dispatched and nothing was sent now.
type DeliveryResult struct {
	IdempotencyKey string
	Status         models.AttemptStatus
	Duplicate      bool
	Suppressed     bool
	Error          string
}

type Dispatcher struct {
	attempts repository.AttemptRepository
	adapters map[models.Channel]ChannelAdapter
	cfg      config.DispatchConfig
	cache    *dedupCache
	now      func() time.Time
}

func NewDispatcher(attempts repository.AttemptRepository, adapters map[models.Channel]ChannelAdapter, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		attempts: attempts,
		adapters: adapters,
		cfg:      cfg,
		cache:    newDedupCache(cfg.DedupTTL),
		now:      time.Now,
	}
}

// HasAdapter reports whether a channel can be dispatched.
func (d *Dispatcher) HasAdapter(ch models.Channel) bool {
	_, ok := d.adapters[ch]
	return ok
}

// Send delivers message to the responder over the channel, recording the
// attempt at every step. Calling Send again with the same identity returns
// the earlier outcome without contacting the channel.
//
// Quiet hours suppress the send unless the incident is critical; a
// suppressed send is recorded as a failed attempt so escalation logic can
// see the responder was not reached.
func (d *Dispatcher) Send(ctx context.Context, inc *models.Incident, r *models.Responder, ch models.Channel, seq int, message string) (DeliveryResult, error) {
	key := models.AttemptKey(inc.ID, r.ID, ch, seq)

	if res, ok := d.cache.get(key); ok {
		res.Duplicate = true
		return res, nil
	}

	attempt := &models.NotificationAttempt{
		IncidentID:     inc.ID,
		ResponderID:    r.ID,
		Channel:        ch,
		Seq:            seq,
		IdempotencyKey: key,
		Status:         models.AttemptQueued,
		CreatedAt:      d.now(),
	}
	if err := d.attempts.AddAttempt(ctx, attempt); err != nil {
		if errors.Is(err, repository.ErrDuplicateAttempt) {
			return d.recordedResult(ctx, key)
		}
		// The attempt row is the idempotency guard. Without it we must not
		// send, or a crash could double-deliver.
		return DeliveryResult{}, fmt.Errorf("error recording attempt: %w", err)
	}

	if r.InQuietHours(d.now()) && inc.Urgency != models.UrgencyCritical {
		return d.finish(ctx, key, models.AttemptFailed, "suppressed by quiet hours", true)
	}

	adapter, ok := d.adapters[ch]
	if !ok {
		return d.finish(ctx, key, models.AttemptFailed, fmt.Sprintf("no adapter for channel %s", ch), false)
	}
	address, ok := r.AddressFor(ch)
	if !ok {
		return d.finish(ctx, key, models.AttemptFailed, fmt.Sprintf("responder has no %s address", ch), false)
	}

	var lastErr error
	backoff := d.cfg.BackoffBase
	for try := 1; try <= d.cfg.MaxRetries; try++ {
		lastErr = adapter.Send(ctx, address, message)
		if lastErr == nil {
			return d.finish(ctx, key, models.AttemptSent, "", false)
		}

		slog.Warn("send failed",
			"incident_id", inc.ID, "responder_id", r.ID, "channel", ch,
			"try", try, "error", lastErr)

		if try < d.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return d.finish(ctx, key, models.AttemptFailed, ctx.Err().Error(), false)
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return d.finish(ctx, key, models.AttemptFailed, lastErr.Error(), false)
}

func (d *Dispatcher) finish(ctx context.Context, key string, status models.AttemptStatus, errDetail string, suppressed bool) (DeliveryResult, error) {
	if err := d.attempts.UpdateAttemptStatus(ctx, key, status, errDetail); err != nil {
		return DeliveryResult{}, fmt.Errorf("error updating attempt: %w", err)
	}
	res := DeliveryResult{
		IdempotencyKey: key,
		Status:         status,
		Suppressed:     suppressed,
		Error:          errDetail,
	}
	d.cache.put(key, res)
	return res, nil
}

// recordedResult rebuilds the result of a previously persisted attempt, for
// duplicates that arrive after a restart wiped the in-memory cache.
func (d *Dispatcher) recordedResult(ctx context.Context, key string) (DeliveryResult, error) {
	attempt, err := d.attempts.GetAttempt(ctx, key)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("error loading duplicate attempt: %w", err)
	}
	res := DeliveryResult{
		IdempotencyKey: key,
		Status:         attempt.Status,
		Duplicate:      true,
		Error:          attempt.Error,
	}
	d.cache.put(key, res)
	return res, nil
}
