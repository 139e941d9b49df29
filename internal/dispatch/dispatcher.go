// Package dispatch delivers pending scan events to the authoritative registry
// and folds the result back into queue and backoff state.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
	"github.com/jashmhta/palitana-yatra-tracker/internal/observability"
	"github.com/jashmhta/palitana-yatra-tracker/internal/pending"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

// Outcome classifies the result of one delivery attempt.
type Outcome string

const (
	// OutcomeConfirmed means the registry accepted the event.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeDuplicate means the uniqueness key was already recorded upstream.
	OutcomeDuplicate Outcome = "duplicate_resolved"
	// OutcomeTransient means the attempt failed retryably and the event stays queued.
	OutcomeTransient Outcome = "transient_failure"
	// OutcomeRejected means the registry refused the event as malformed.
	OutcomeRejected Outcome = "rejected"
	// OutcomeAbandoned means the event hit the retry ceiling and was dead-lettered.
	OutcomeAbandoned Outcome = "abandoned"
)

// CreateResult is the registry write-path verdict for one event.
type CreateResult struct {
	Accepted  bool
	Duplicate bool
}

// WritePath is the remote create endpoint consumed by the dispatcher. The
// event id travels as the idempotency token.
type WritePath interface {
	Create(ctx context.Context, evt schema.ScanEvent) (CreateResult, error)
}

// Dispatcher sends one event at a time and updates pending-store and
// duplicate-index state according to the terminal classification.
type Dispatcher struct {
	writePath WritePath
	store     *pending.Store
	index     *pending.DuplicateIndex
	policy    Policy
	clock     func() time.Time
}

// NewDispatcher wires a dispatcher over the write path, pending store, and
// duplicate index. A nil clock uses time.Now.
func NewDispatcher(writePath WritePath, store *pending.Store, index *pending.DuplicateIndex, policy Policy, clock func() time.Time) *Dispatcher {
	if clock == nil {
		clock = time.Now
	}
	d := new(Dispatcher)
	d.writePath = writePath
	d.store = store
	d.index = index
	d.policy = policy
	d.clock = clock
	return d
}

// Dispatch delivers the event and applies the outcome. Transient failures are
// absorbed here: the event stays pending with updated backoff bookkeeping, and
// only the classification is reported to the cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, evt schema.ScanEvent) (Outcome, error) {
	if err := d.store.MarkInFlight(ctx, evt.ID); err != nil {
		// The store itself failed; treat like any other transient fault so the
		// same backoff machinery retries it.
		return d.recordFailure(ctx, evt, err)
	}

	result, err := d.writePath.Create(ctx, evt)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeRejected {
			return d.reject(ctx, evt, err)
		}
		return d.recordFailure(ctx, evt, err)
	}

	switch {
	case result.Accepted:
		if err := d.settle(ctx, evt); err != nil {
			return OutcomeTransient, err
		}
		d.observeOutcome(OutcomeConfirmed)
		return OutcomeConfirmed, nil
	case result.Duplicate:
		if err := d.settle(ctx, evt); err != nil {
			return OutcomeTransient, err
		}
		d.observeOutcome(OutcomeDuplicate)
		observability.Log().Info("scan resolved as duplicate",
			observability.Field{Key: "event_id", Value: evt.ID},
			observability.Field{Key: "key", Value: evt.Key().String()},
		)
		return OutcomeDuplicate, nil
	default:
		// The registry answered but claimed neither acceptance nor duplication.
		return d.recordFailure(ctx, evt, errs.New("dispatch", errs.CodeUnavailable,
			errs.WithMessage("registry returned neither accepted nor duplicate"),
			errs.WithEventID(evt.ID)))
	}
}

// settle removes a terminally delivered event and remembers its key.
func (d *Dispatcher) settle(ctx context.Context, evt schema.ScanEvent) error {
	if err := d.store.Remove(ctx, evt.ID); err != nil {
		return fmt.Errorf("dispatch settle: %w", err)
	}
	d.index.Add(evt.Key())
	return nil
}

// recordFailure applies the backoff schedule or, past the ceiling, moves the
// event to the dead-letter record with an operator-visible alert.
func (d *Dispatcher) recordFailure(ctx context.Context, evt schema.ScanEvent, cause error) (Outcome, error) {
	nextRetry := evt.RetryCount + 1
	if d.policy.Exhausted(nextRetry) {
		return d.abandon(ctx, evt, cause)
	}

	delay := d.policy.Delay(nextRetry)
	nextEligible := d.clock().Add(delay)
	if err := d.store.MarkFailed(ctx, evt.ID, nextRetry, nextEligible, cause.Error()); err != nil {
		return OutcomeTransient, fmt.Errorf("dispatch record failure: %w", err)
	}
	d.observeOutcome(OutcomeTransient)
	observability.Log().Debug("delivery attempt failed",
		observability.Field{Key: "event_id", Value: evt.ID},
		observability.Field{Key: "retry_count", Value: nextRetry},
		observability.Field{Key: "next_eligible_in", Value: delay.String()},
		observability.Field{Key: "cause", Value: cause.Error()},
	)
	return OutcomeTransient, nil
}

func (d *Dispatcher) abandon(ctx context.Context, evt schema.ScanEvent, cause error) (Outcome, error) {
	wrapped := errs.New("dispatch", errs.CodeRetryCeiling,
		errs.WithMessage("retry ceiling exceeded"),
		errs.WithEventID(evt.ID),
		errs.WithRetryCount(evt.RetryCount),
		errs.WithCause(cause),
	)
	if err := d.store.Abandon(ctx, evt.ID, wrapped.Error(), d.clock()); err != nil {
		return OutcomeTransient, fmt.Errorf("dispatch abandon: %w", err)
	}
	// The key is free again: a clean store would accept a fresh scan for it.
	d.index.Forget(evt.Key())
	d.observeOutcome(OutcomeAbandoned)
	observability.Telemetry().IncCounter(observability.MetricDeadLetters, 1, nil)
	observability.Log().Error("scan abandoned after retry ceiling",
		observability.Field{Key: "event_id", Value: evt.ID},
		observability.Field{Key: "key", Value: evt.Key().String()},
		observability.Field{Key: "retry_count", Value: evt.RetryCount},
		observability.Field{Key: "cause", Value: cause.Error()},
	)
	return OutcomeAbandoned, nil
}

// reject handles an authoritative rejection: the event is malformed for the
// registry and blind retries cannot fix it, so it goes straight to the
// dead-letter record.
func (d *Dispatcher) reject(ctx context.Context, evt schema.ScanEvent, cause error) (Outcome, error) {
	if err := d.store.Abandon(ctx, evt.ID, cause.Error(), d.clock()); err != nil {
		return OutcomeTransient, fmt.Errorf("dispatch reject: %w", err)
	}
	d.index.Forget(evt.Key())
	d.observeOutcome(OutcomeRejected)
	observability.Telemetry().IncCounter(observability.MetricDeadLetters, 1, nil)
	observability.Log().Error("scan rejected by registry",
		observability.Field{Key: "event_id", Value: evt.ID},
		observability.Field{Key: "cause", Value: cause.Error()},
	)
	return OutcomeRejected, nil
}

func (d *Dispatcher) observeOutcome(outcome Outcome) {
	observability.Telemetry().IncCounter(observability.MetricDispatchOutcomes, 1,
		map[string]string{"outcome": string(outcome)})
}
