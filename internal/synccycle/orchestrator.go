// Package synccycle drains the durable pending store in priority order,
// coalescing overlapping cycle requests into a single flight.
package synccycle

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jashmhta/palitana-yatra-tracker/internal/dispatch"
	"github.com/jashmhta/palitana-yatra-tracker/internal/observability"
	"github.com/jashmhta/palitana-yatra-tracker/internal/pending"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

const (
	defaultBatchSize = 50
	// Successful dispatches are paced to avoid bursting the registry.
	defaultDispatchRate = rate.Limit(20)
)

// Orchestrator runs at most one sync cycle at a time per device. Cycle
// requests arriving mid-flight are coalesced, not queued: racing cycles over
// the same pending store is the chief correctness hazard here.
type Orchestrator struct {
	store      *pending.Store
	dispatcher *dispatch.Dispatcher
	limiter    *rate.Limiter
	batchSize  int
	clock      func() time.Time

	trigger chan struct{}
	running atomic.Bool

	mu            sync.RWMutex
	lastAttemptAt time.Time
	lastError     string
}

// NewOrchestrator wires a cycle orchestrator over the store and dispatcher.
// batchSize <= 0 uses the default; a nil clock uses time.Now.
func NewOrchestrator(store *pending.Store, dispatcher *dispatch.Dispatcher, batchSize int, clock func() time.Time) *Orchestrator {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if clock == nil {
		clock = time.Now
	}
	o := new(Orchestrator)
	o.store = store
	o.dispatcher = dispatcher
	o.limiter = rate.NewLimiter(defaultDispatchRate, 1)
	o.batchSize = batchSize
	o.clock = clock
	o.trigger = make(chan struct{}, 1)
	return o
}

// TriggerCycle requests a cycle. The request is a no-op when one is already
// queued or in flight.
func (o *Orchestrator) TriggerCycle() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run consumes cycle requests until the context ends. A positive interval adds
// a periodic trigger so the queue drains even without connectivity signals.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.trigger:
			o.RunCycle(ctx)
		case <-tick:
			o.RunCycle(ctx)
		}
	}
}

// RunCycle executes one cycle unless another is already in flight, in which
// case it returns false immediately. The single-flight guard is an atomic
// check-and-set, never a bare boolean read/write.
func (o *Orchestrator) RunCycle(ctx context.Context) bool {
	if !o.running.CompareAndSwap(false, true) {
		return false
	}
	defer o.running.Store(false)

	started := o.clock()
	o.setLastAttempt(started)

	events, err := o.store.ListAll(ctx)
	if err != nil {
		o.setLastError(err.Error())
		observability.Log().Error("cycle snapshot failed",
			observability.Field{Key: "error", Value: err.Error()})
		return true
	}

	batch := o.selectBatch(events, started)
	var failures int
	for _, evt := range batch {
		if ctx.Err() != nil {
			break
		}
		outcome, err := o.dispatcher.Dispatch(ctx, evt)
		if err != nil {
			failures++
			o.setLastError(err.Error())
			continue
		}
		switch outcome {
		case dispatch.OutcomeConfirmed, dispatch.OutcomeDuplicate:
			// Pace successful deliveries so a drained backlog does not burst
			// the registry.
			if err := o.limiter.Wait(ctx); err != nil {
				break
			}
		case dispatch.OutcomeTransient:
			failures++
		}
	}
	if failures == 0 {
		o.setLastError("")
	}

	observability.Telemetry().ObserveHistogram(observability.MetricCycleDuration,
		o.clock().Sub(started).Seconds(), nil)
	if count, err := o.store.Count(ctx); err == nil {
		observability.Telemetry().SetGauge(observability.MetricPendingDepth, float64(count), nil)
	}
	return true
}

// selectBatch filters to eligible events, orders them so fresh submissions are
// serviced before repeatedly failing ones, and caps the batch size. Events
// still inside their backoff window are skipped, never waited on.
func (o *Orchestrator) selectBatch(events []schema.ScanEvent, now time.Time) []schema.ScanEvent {
	eligible := make([]schema.ScanEvent, 0, len(events))
	for _, evt := range events {
		if evt.NextEligibleAt.After(now) {
			continue
		}
		eligible = append(eligible, evt)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].RetryCount != eligible[j].RetryCount {
			return eligible[i].RetryCount < eligible[j].RetryCount
		}
		return eligible[i].OccurredAt.Before(eligible[j].OccurredAt)
	})
	if len(eligible) > o.batchSize {
		eligible = eligible[:o.batchSize]
	}
	return eligible
}

// Syncing reports whether a cycle is currently in flight.
func (o *Orchestrator) Syncing() bool {
	return o.running.Load()
}

// LastAttemptAt returns when the most recent cycle started, regardless of
// individual outcomes.
func (o *Orchestrator) LastAttemptAt() (time.Time, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastAttemptAt, !o.lastAttemptAt.IsZero()
}

// LastError returns the most recent cycle-level error, empty after a clean cycle.
func (o *Orchestrator) LastError() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastError
}

func (o *Orchestrator) setLastAttempt(at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastAttemptAt = at
}

func (o *Orchestrator) setLastError(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastError = message
}
