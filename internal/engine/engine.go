// Package engine is the device-side façade: it accepts checkpoint scans,
// persists them before acknowledging, and exposes pipeline status.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
	"github.com/jashmhta/palitana-yatra-tracker/internal/observability"
	"github.com/jashmhta/palitana-yatra-tracker/internal/pending"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
	"github.com/jashmhta/palitana-yatra-tracker/internal/sheetlog"
	"github.com/jashmhta/palitana-yatra-tracker/internal/synccycle"
)

// SubmitResult is the immediate acknowledgement for a scan submission. An
// accepted result means the event is durably queued, not yet confirmed.
type SubmitResult struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	EventID   string `json:"eventId,omitempty"`
}

// Status is a point-in-time view of the delivery pipeline.
type Status struct {
	Online       bool       `json:"online"`
	Syncing      bool       `json:"syncing"`
	PendingCount int        `json:"pendingCount"`
	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// Engine coordinates the local pipeline components behind a single submit
// and status surface.
type Engine struct {
	deviceID string
	store    *pending.Store
	index    *pending.DuplicateIndex
	cycles   *synccycle.Orchestrator
	online   func() bool
	sheet    *sheetlog.Queue
	onResume func()

	// Serialises the duplicate check against the durable append so two
	// concurrent submissions of one key cannot both pass the check.
	submitMu sync.Mutex
}

// New wires the engine. The sheet queue and online func may be nil; a nil
// online func reports offline.
func New(deviceID string, store *pending.Store, index *pending.DuplicateIndex, cycles *synccycle.Orchestrator, online func() bool, sheet *sheetlog.Queue) *Engine {
	if online == nil {
		online = func() bool { return false }
	}
	e := new(Engine)
	e.deviceID = deviceID
	e.store = store
	e.index = index
	e.cycles = cycles
	e.online = online
	e.sheet = sheet
	return e
}

// SubmitScan validates and durably queues a checkpoint scan. A locally known
// duplicate is acknowledged without creating a new event. On acceptance a sync
// cycle is nudged so an online device delivers within seconds.
func (e *Engine) SubmitScan(ctx context.Context, participantRef, checkpointID string, geo *schema.Geo, occurredAt time.Time) (SubmitResult, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	if e.index.IsKnownDuplicate(participantRef, checkpointID) {
		observability.Log().Info("scan acknowledged as local duplicate",
			observability.Field{Key: "participant_ref", Value: participantRef},
			observability.Field{Key: "checkpoint_id", Value: checkpointID},
		)
		return SubmitResult{Accepted: false, Duplicate: true}, nil
	}

	evt, err := schema.NewScanEvent(participantRef, checkpointID, e.deviceID, geo, occurredAt)
	if err != nil {
		return SubmitResult{}, errs.New("engine", errs.CodeInvalid, errs.WithCause(err))
	}
	if err := e.store.Append(ctx, evt); err != nil {
		return SubmitResult{}, err
	}
	e.index.Add(evt.Key())

	if e.sheet != nil {
		e.sheet.Enqueue(sheetlog.EntryFromEvent(evt))
	}
	e.cycles.TriggerCycle()

	observability.Log().Info("scan queued",
		observability.Field{Key: "event_id", Value: evt.ID},
		observability.Field{Key: "participant_ref", Value: evt.ParticipantRef},
		observability.Field{Key: "checkpoint_id", Value: evt.CheckpointID},
	)
	return SubmitResult{Accepted: true, EventID: evt.ID}, nil
}

// OnResume registers an extra hook fired by Resume, typically a
// reconciliation fetch.
func (e *Engine) OnResume(hook func()) {
	e.onResume = hook
}

// Resume nudges a sync cycle, used when the app returns to the foreground.
func (e *Engine) Resume() {
	e.cycles.TriggerCycle()
	if e.onResume != nil {
		e.onResume()
	}
}

// Status reports the current pipeline state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	count, err := e.store.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Online:       e.online(),
		Syncing:      e.cycles.Syncing(),
		PendingCount: count,
		LastError:    e.cycles.LastError(),
	}
	if at, ok := e.cycles.LastAttemptAt(); ok {
		status.LastSyncAt = &at
	}
	return status, nil
}

// DeadLetters lists events abandoned after exhausting their retry budget.
func (e *Engine) DeadLetters(ctx context.Context) ([]pending.DeadLetter, error) {
	return e.store.DeadLetters(ctx)
}
