package schema

import "time"

// ConfirmedScan is one row of the authoritative snapshot: a scan the registry
// accepted, as every device eventually observes it.
type ConfirmedScan struct {
	ID             string    `json:"id"`
	ParticipantRef string    `json:"participantRef"`
	CheckpointID   string    `json:"checkpointId"`
	OriginDevice   string    `json:"originDevice"`
	OccurredAt     time.Time `json:"occurredAt"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// Key returns the uniqueness key of the confirmed scan.
func (c ConfirmedScan) Key() UniquenessKey {
	return UniquenessKey{ParticipantRef: c.ParticipantRef, CheckpointID: c.CheckpointID}
}
