package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
	"github.com/jashmhta/palitana-yatra-tracker/internal/pending"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

type fakeSource struct {
	scans   []schema.ConfirmedScan
	cursor  string
	err     error
	cursors []string
}

func (f *fakeSource) Snapshot(_ context.Context, cursor string) ([]schema.ConfirmedScan, string, error) {
	f.cursors = append(f.cursors, cursor)
	if f.err != nil {
		return nil, "", f.err
	}
	return f.scans, f.cursor, nil
}

func openTestStore(t *testing.T) *pending.Store {
	t.Helper()
	store, err := pending.Open(context.Background(), filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestEvent(t *testing.T, ref, checkpoint string) schema.ScanEvent {
	t.Helper()
	evt, err := schema.NewScanEvent(ref, checkpoint, "device-1", nil, time.Now())
	require.NoError(t, err)
	return evt
}

func confirmedFor(evt schema.ScanEvent, recordedAt time.Time) schema.ConfirmedScan {
	return schema.ConfirmedScan{
		ID:             evt.ID,
		ParticipantRef: evt.ParticipantRef,
		CheckpointID:   evt.CheckpointID,
		OriginDevice:   evt.OriginDevice,
		OccurredAt:     evt.OccurredAt,
		RecordedAt:     recordedAt,
	}
}

func TestFetchOnceSeedsIndexAndCursor(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	index := pending.NewDuplicateIndex()

	evt := newTestEvent(t, "P1", "chk-1")
	source := &fakeSource{
		scans:  []schema.ConfirmedScan{confirmedFor(evt, time.Now())},
		cursor: "2026-08-28T10:00:00Z",
	}
	poller := NewPoller(source, store, index, nil, 0, 0)

	require.NoError(t, poller.FetchOnce(ctx))
	require.True(t, index.IsKnownDuplicate("P1", "chk-1"))
	require.Equal(t, 1, poller.ConfirmedCount())

	require.NoError(t, poller.FetchOnce(ctx))
	require.Equal(t, []string{"", "2026-08-28T10:00:00Z"}, source.cursors)
}

func TestFetchOnceKeepsCursorOnFailure(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	index := pending.NewDuplicateIndex()

	source := &fakeSource{err: errors.New("registry unreachable")}
	poller := NewPoller(source, store, index, nil, 0, 0)

	require.Error(t, poller.FetchOnce(ctx))

	source.err = nil
	source.cursor = "c1"
	require.NoError(t, poller.FetchOnce(ctx))
	require.Equal(t, []string{"", ""}, source.cursors)
}

func TestFetchOnceFallsBackOnRejectedCursor(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	index := pending.NewDuplicateIndex()

	evt := newTestEvent(t, "P1", "chk-1")
	source := &fakeSource{
		scans:  []schema.ConfirmedScan{confirmedFor(evt, time.Now())},
		cursor: "c1",
	}
	poller := NewPoller(source, store, index, nil, 0, 0)
	require.NoError(t, poller.FetchOnce(ctx))

	// The registry rejects the cursor; the poller retries with a full fetch.
	source.err = errs.New("registry/client", errs.CodeRejected)
	require.Error(t, poller.FetchOnce(ctx))
	require.Equal(t, []string{"", "c1", ""}, source.cursors)

	source.err = nil
	require.NoError(t, poller.FetchOnce(ctx))
	require.Equal(t, "", source.cursors[len(source.cursors)-1])
}

func TestPromoteRemovesConfirmedPending(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	index := pending.NewDuplicateIndex()

	landed := newTestEvent(t, "P1", "chk-1")
	waiting := newTestEvent(t, "P2", "chk-1")
	require.NoError(t, store.Append(ctx, landed))
	require.NoError(t, store.Append(ctx, waiting))

	source := &fakeSource{scans: []schema.ConfirmedScan{confirmedFor(landed, time.Now())}}
	poller := NewPoller(source, store, index, nil, 0, 0)
	require.NoError(t, poller.FetchOnce(ctx))

	events, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, waiting.ID, events[0].ID)
}

func TestPromoteSkipsInFlight(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	index := pending.NewDuplicateIndex()

	evt := newTestEvent(t, "P1", "chk-1")
	require.NoError(t, store.Append(ctx, evt))
	require.NoError(t, store.MarkInFlight(ctx, evt.ID))

	source := &fakeSource{scans: []schema.ConfirmedScan{confirmedFor(evt, time.Now())}}
	poller := NewPoller(source, store, index, nil, 0, 0)
	require.NoError(t, poller.FetchOnce(ctx))

	events, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestMergedOrdersConfirmedByRecordedAt(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	index := pending.NewDuplicateIndex()

	base := time.Now().UTC()
	first := confirmedFor(newTestEvent(t, "P1", "chk-1"), base)
	second := confirmedFor(newTestEvent(t, "P2", "chk-1"), base.Add(time.Second))
	local := newTestEvent(t, "P3", "chk-1")
	require.NoError(t, store.Append(ctx, local))

	source := &fakeSource{scans: []schema.ConfirmedScan{second, first}}
	poller := NewPoller(source, store, index, nil, 0, 0)
	require.NoError(t, poller.FetchOnce(ctx))

	confirmed, events, err := poller.Merged(ctx)
	require.NoError(t, err)
	require.Len(t, confirmed, 2)
	require.Equal(t, first.ID, confirmed[0].ID)
	require.Equal(t, second.ID, confirmed[1].ID)
	require.Len(t, events, 1)
	require.Equal(t, local.ID, events[0].ID)
}

func TestRunUsesOfflineIntervalWhileOffline(t *testing.T) {
	store := openTestStore(t)
	index := pending.NewDuplicateIndex()

	source := &fakeSource{}
	online := false
	poller := NewPoller(source, store, index, func() bool { return online }, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	poller.Run(ctx)

	// The offline interval is far longer than the run window, so no fetch
	// should have happened.
	require.Empty(t, source.cursors)
}

// snapshotRegistry mimics the registry's incremental snapshot contract: the
// cursor comparison is inclusive and the handed-out cursor trails the newest
// row by an overlap window, so a late-committing row is re-sent rather than
// skipped.
type snapshotRegistry struct {
	mu      sync.Mutex
	overlap time.Duration
	rows    []schema.ConfirmedScan
}

func (r *snapshotRegistry) add(scan schema.ConfirmedScan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, scan)
}

func (r *snapshotRegistry) Snapshot(_ context.Context, cursor string) ([]schema.ConfirmedScan, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var since time.Time
	if cursor != "" {
		parsed, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, "", errs.New("registry/client", errs.CodeRejected)
		}
		since = parsed
	}
	var out []schema.ConfirmedScan
	newest := since
	for _, row := range r.rows {
		if cursor != "" && row.RecordedAt.Before(since) {
			continue
		}
		out = append(out, row)
		if row.RecordedAt.After(newest) {
			newest = row.RecordedAt
		}
	}
	if len(out) == 0 {
		return nil, cursor, nil
	}
	next := newest.Add(-r.overlap)
	if next.Before(since) {
		next = since
	}
	return out, next.UTC().Format(time.RFC3339Nano), nil
}

func TestIndependentReadersConvergeOnLateVisibleRow(t *testing.T) {
	ctx := context.Background()
	registry := &snapshotRegistry{overlap: 15 * time.Second}

	base := time.Now().UTC()
	registry.add(confirmedFor(newTestEvent(t, "P1", "chk-1"), base))

	incremental := NewPoller(registry, openTestStore(t), pending.NewDuplicateIndex(), nil, 0, 0)
	require.NoError(t, incremental.FetchOnce(ctx))
	require.Equal(t, 1, incremental.ConfirmedCount())

	// A create whose transaction started before the first poll becomes
	// visible afterwards with a recorded stamp behind the advanced cursor.
	registry.add(confirmedFor(newTestEvent(t, "P2", "chk-1"), base.Add(-2*time.Second)))

	fresh := NewPoller(registry, openTestStore(t), pending.NewDuplicateIndex(), nil, 0, 0)
	require.NoError(t, incremental.FetchOnce(ctx))
	require.NoError(t, fresh.FetchOnce(ctx))

	require.Equal(t, 2, incremental.ConfirmedCount(),
		"incremental reader must still observe the late-visible scan")
	require.Equal(t, fresh.ConfirmedCount(), incremental.ConfirmedCount(),
		"independent readers must converge on the same confirmed scans")
}
