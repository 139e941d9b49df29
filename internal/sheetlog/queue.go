// Package sheetlog mirrors confirmed-or-submitted scans to a secondary audit
// sheet. The mirror is best effort: entries may be dropped under pressure and
// delivery carries no ordering or exactly-once promise.
package sheetlog

import (
	"context"
	"sync"
	"time"

	"github.com/jashmhta/palitana-yatra-tracker/internal/observability"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

const (
	defaultCapacity      = 1000
	defaultFlushInterval = 30 * time.Second
)

// Appender delivers a batch of entries to the sheet backend.
type Appender interface {
	Append(ctx context.Context, entries []Entry) error
}

// Entry is one sheet row.
type Entry struct {
	EventID        string    `json:"eventId"`
	ParticipantRef string    `json:"participantRef"`
	CheckpointID   string    `json:"checkpointId"`
	OriginDevice   string    `json:"deviceId"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// EntryFromEvent projects a scan event onto a sheet row.
func EntryFromEvent(evt schema.ScanEvent) Entry {
	return Entry{
		EventID:        evt.ID,
		ParticipantRef: evt.ParticipantRef,
		CheckpointID:   evt.CheckpointID,
		OriginDevice:   evt.OriginDevice,
		OccurredAt:     evt.OccurredAt,
	}
}

// Queue is an in-memory bounded buffer in front of an Appender. When full it
// drops the oldest entry so a dead sheet backend can never stall scanning or
// grow memory without bound.
type Queue struct {
	appender Appender
	capacity int
	interval time.Duration

	mu      sync.Mutex
	entries []Entry
	dropped uint64
}

// NewQueue builds a queue over the appender. Non-positive capacity or interval
// fall back to the defaults.
func NewQueue(appender Appender, capacity int, interval time.Duration) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	q := new(Queue)
	q.appender = appender
	q.capacity = capacity
	q.interval = interval
	return q
}

// Enqueue buffers an entry, evicting the oldest one when the buffer is full.
func (q *Queue) Enqueue(entry Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		evicted := q.entries[0]
		q.entries = q.entries[1:]
		q.dropped++
		observability.Telemetry().IncCounter(observability.MetricSheetDrops, 1, nil)
		observability.Log().Warn("sheet entry dropped under pressure",
			observability.Field{Key: "event_id", Value: evicted.EventID},
			observability.Field{Key: "capacity", Value: q.capacity},
		)
	}
	q.entries = append(q.entries, entry)
}

// Len reports the number of buffered entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped reports how many entries were evicted since startup.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Run flushes on a fixed ticker until the context ends, then attempts one
// final flush so a clean shutdown loses as little as possible.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			q.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			q.Flush(ctx)
		}
	}
}

// Flush snapshots the buffer and hands it to the appender. On failure the
// snapshot is put back in front of anything enqueued meanwhile, subject to the
// same capacity bound.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.entries
	q.entries = nil
	q.mu.Unlock()

	if err := q.appender.Append(ctx, batch); err != nil {
		observability.Log().Warn("sheet flush failed",
			observability.Field{Key: "entries", Value: len(batch)},
			observability.Field{Key: "error", Value: err.Error()},
		)
		q.requeue(batch)
		return
	}
	observability.Log().Debug("sheet batch flushed",
		observability.Field{Key: "entries", Value: len(batch)})
}

func (q *Queue) requeue(batch []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := append(batch, q.entries...)
	if overflow := len(merged) - q.capacity; overflow > 0 {
		q.dropped += uint64(overflow)
		observability.Telemetry().IncCounter(observability.MetricSheetDrops, float64(overflow), nil)
		observability.Log().Warn("sheet entries dropped on requeue",
			observability.Field{Key: "dropped", Value: overflow})
		merged = merged[overflow:]
	}
	q.entries = merged
}
