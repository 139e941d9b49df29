// Package reconcile periodically merges the authoritative snapshot with the
// local pending queue so every device converges on the same view.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
	"github.com/jashmhta/palitana-yatra-tracker/internal/observability"
	"github.com/jashmhta/palitana-yatra-tracker/internal/pending"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

const (
	defaultOnlineInterval  = 5 * time.Second
	defaultOfflineInterval = 30 * time.Second
)

// SnapshotSource fetches the authoritative snapshot, incrementally when a
// cursor is supplied.
type SnapshotSource interface {
	Snapshot(ctx context.Context, cursor string) ([]schema.ConfirmedScan, string, error)
}

// Poller converges the device on the authoritative state: it caches confirmed
// scans for display, feeds the duplicate index, and promotes pending events
// whose key already landed upstream even though the direct response was lost.
// Convergence is bounded by poll interval plus dispatch latency, never
// instantaneous.
type Poller struct {
	source SnapshotSource
	store  *pending.Store
	index  *pending.DuplicateIndex
	online func() bool

	onlineInterval  time.Duration
	offlineInterval time.Duration

	mu        sync.RWMutex
	cursor    string
	confirmed map[string]schema.ConfirmedScan
}

// NewPoller wires a poller over the snapshot source, pending store, and
// duplicate index. online reports the current reachability; a nil func is
// treated as always online. Non-positive intervals use the defaults.
func NewPoller(source SnapshotSource, store *pending.Store, index *pending.DuplicateIndex, online func() bool, onlineInterval, offlineInterval time.Duration) *Poller {
	if online == nil {
		online = func() bool { return true }
	}
	if onlineInterval <= 0 {
		onlineInterval = defaultOnlineInterval
	}
	if offlineInterval <= 0 {
		offlineInterval = defaultOfflineInterval
	}
	p := new(Poller)
	p.source = source
	p.store = store
	p.index = index
	p.online = online
	p.onlineInterval = onlineInterval
	p.offlineInterval = offlineInterval
	p.confirmed = make(map[string]schema.ConfirmedScan)
	return p
}

// Run polls until the context ends, using the shorter interval while online
// and the longer one while offline to avoid wasted probes.
func (p *Poller) Run(ctx context.Context) {
	for {
		interval := p.offlineInterval
		if p.online() {
			interval = p.onlineInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if err := p.FetchOnce(ctx); err != nil {
			observability.Log().Debug("reconciliation fetch failed",
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

// FetchOnce performs one reconciliation round: fetch, merge, promote. The
// cursor only advances on success, so a failed fetch is retried in full.
func (p *Poller) FetchOnce(ctx context.Context) error {
	p.mu.RLock()
	cursor := p.cursor
	p.mu.RUnlock()

	scans, nextCursor, err := p.source.Snapshot(ctx, cursor)
	if err != nil && cursor != "" && !errs.IsTransient(err) {
		// The registry refused the cursor; drop it and take a full snapshot.
		observability.Log().Warn("snapshot cursor rejected, falling back to full fetch",
			observability.Field{Key: "cursor", Value: cursor},
			observability.Field{Key: "error", Value: err.Error()},
		)
		p.mu.Lock()
		p.cursor = ""
		p.mu.Unlock()
		scans, nextCursor, err = p.source.Snapshot(ctx, "")
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	for _, scan := range scans {
		p.confirmed[scan.Key().String()] = scan
	}
	p.cursor = nextCursor
	p.mu.Unlock()

	for _, scan := range scans {
		p.index.Add(scan.Key())
	}

	return p.promote(ctx)
}

// promote removes pending events whose uniqueness key is already confirmed
// upstream: their write landed but the direct response never arrived. Events
// with a dispatch outstanding are left for the dispatcher to settle. A removal
// failure does not stop the sweep; the remaining promotions still run and the
// failures come back as one aggregated error.
func (p *Poller) promote(ctx context.Context) error {
	events, err := p.store.ListAll(ctx)
	if err != nil {
		return err
	}
	var failures []error
	for _, evt := range events {
		if evt.DeliveryState == schema.StateInFlight {
			continue
		}
		if !p.isConfirmed(evt.Key()) {
			continue
		}
		if err := p.store.Remove(ctx, evt.ID); err != nil {
			failures = append(failures, err)
			continue
		}
		observability.Log().Info("pending scan promoted from snapshot",
			observability.Field{Key: "event_id", Value: evt.ID},
			observability.Field{Key: "key", Value: evt.Key().String()},
		)
	}
	return observability.AggregateErrors("promote confirmed scans", failures)
}

func (p *Poller) isConfirmed(key schema.UniquenessKey) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.confirmed[key.String()]
	return ok
}

// ConfirmedCount reports how many confirmed scans the device has observed.
func (p *Poller) ConfirmedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.confirmed)
}

// Merged returns the display view: the confirmed scans ordered by recording
// time, plus the still-pending local events.
func (p *Poller) Merged(ctx context.Context) ([]schema.ConfirmedScan, []schema.ScanEvent, error) {
	events, err := p.store.ListAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	p.mu.RLock()
	confirmed := make([]schema.ConfirmedScan, 0, len(p.confirmed))
	for _, scan := range p.confirmed {
		confirmed = append(confirmed, scan)
	}
	p.mu.RUnlock()
	sort.Slice(confirmed, func(i, j int) bool {
		if confirmed[i].RecordedAt.Equal(confirmed[j].RecordedAt) {
			return confirmed[i].ID < confirmed[j].ID
		}
		return confirmed[i].RecordedAt.Before(confirmed[j].RecordedAt)
	})
	return confirmed, events, nil
}
