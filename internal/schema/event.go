// Package schema defines the canonical scan event model shared by the
// device-side pipeline and the authoritative registry.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
)

// DeliveryState tracks a scan event through the delivery pipeline.
type DeliveryState string

const (
	// StatePending marks an event accepted locally and awaiting delivery.
	StatePending DeliveryState = "pending"
	// StateInFlight marks an event with a dispatch currently outstanding.
	StateInFlight DeliveryState = "in_flight"
	// StateConfirmed marks an event accepted by the authoritative registry.
	StateConfirmed DeliveryState = "confirmed"
	// StateDuplicateResolved marks an event whose uniqueness key was already
	// recorded upstream; a terminal success, not a failure.
	StateDuplicateResolved DeliveryState = "duplicate_resolved"
	// StateAbandoned marks an event that exhausted its retry budget and was
	// moved to the dead-letter record.
	StateAbandoned DeliveryState = "abandoned"
)

// Validate ensures the state is one of the known delivery states.
func (s DeliveryState) Validate() error {
	switch s {
	case StatePending, StateInFlight, StateConfirmed, StateDuplicateResolved, StateAbandoned:
		return nil
	default:
		return errs.New("schema/state", errs.CodeInvalid, errs.WithMessage("unknown delivery state: "+string(s)))
	}
}

// Terminal reports whether the state ends the event lifecycle.
func (s DeliveryState) Terminal() bool {
	switch s {
	case StateConfirmed, StateDuplicateResolved, StateAbandoned:
		return true
	default:
		return false
	}
}

// Geo captures the capture-time coordinates of a scan. Coordinates are kept as
// decimals so audit records round-trip exactly.
type Geo struct {
	Lat decimal.Decimal `json:"lat"`
	Lon decimal.Decimal `json:"lon"`
}

// ScanEvent is one checkpoint-scan attempt. Its ID doubles as the idempotency
// key for the registry write path; (ParticipantRef, CheckpointID) is the
// logical uniqueness key.
type ScanEvent struct {
	ID             string        `json:"id"`
	ParticipantRef string        `json:"participantRef"`
	CheckpointID   string        `json:"checkpointId"`
	OriginDevice   string        `json:"originDevice"`
	OccurredAt     time.Time     `json:"occurredAt"`
	Geo            *Geo          `json:"geo,omitempty"`
	DeliveryState  DeliveryState `json:"deliveryState"`
	RetryCount     int           `json:"retryCount"`
	NextEligibleAt time.Time     `json:"nextEligibleAt"`
	LastError      string        `json:"lastError,omitempty"`
}

// NewScanEvent constructs a pending scan event with a fresh idempotency key.
// OccurredAt is fixed at creation and never renegotiated on retry.
func NewScanEvent(participantRef, checkpointID, originDevice string, geo *Geo, now time.Time) (ScanEvent, error) {
	evt := ScanEvent{
		ID:             uuid.NewString(),
		ParticipantRef: strings.TrimSpace(participantRef),
		CheckpointID:   strings.TrimSpace(checkpointID),
		OriginDevice:   strings.TrimSpace(originDevice),
		OccurredAt:     now.UTC(),
		Geo:            geo,
		DeliveryState:  StatePending,
		RetryCount:     0,
		NextEligibleAt: now.UTC(),
		LastError:      "",
	}
	if err := evt.Validate(); err != nil {
		return ScanEvent{}, err
	}
	return evt, nil
}

// Validate checks the event fields required by the write path.
func (e ScanEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("id required"))
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("id must be a uuid"), errs.WithCause(err))
	}
	if strings.TrimSpace(e.ParticipantRef) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("participant ref required"))
	}
	if strings.TrimSpace(e.CheckpointID) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("checkpoint id required"))
	}
	if strings.TrimSpace(e.OriginDevice) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("origin device required"))
	}
	if e.OccurredAt.IsZero() {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("occurred-at required"))
	}
	return nil
}

// Key returns the logical uniqueness key for the event.
func (e ScanEvent) Key() UniquenessKey {
	return UniquenessKey{ParticipantRef: e.ParticipantRef, CheckpointID: e.CheckpointID}
}

// UniquenessKey identifies the (participant, checkpoint) pair that the
// authoritative store keeps unique among confirmed events.
type UniquenessKey struct {
	ParticipantRef string
	CheckpointID   string
}

// String renders the key in its canonical participant|checkpoint form.
func (k UniquenessKey) String() string {
	return k.ParticipantRef + "|" + k.CheckpointID
}
