package pending

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "pending.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newTestEvent(t *testing.T, participant, checkpoint string) schema.ScanEvent {
	t.Helper()
	evt, err := schema.NewScanEvent(participant, checkpoint, "device-a", nil, time.Now())
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return evt
}

func TestAppendListRemove(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	first := newTestEvent(t, "P1", "chk-1")
	second := newTestEvent(t, "P2", "chk-1")
	for _, evt := range []schema.ScanEvent{first, second} {
		if err := store.Append(ctx, evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != first.ID || events[1].ID != second.ID {
		t.Fatal("list order must match append order")
	}

	if err := store.Remove(ctx, first.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 remaining event, got %d", count)
	}
}

func TestRemoveUnknownIDFails(t *testing.T) {
	store := openTestStore(t)
	if err := store.Remove(context.Background(), "missing"); err == nil {
		t.Fatal("expected error removing unknown id")
	}
}

func TestMarkFailedUpdatesBackoffBookkeeping(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	evt := newTestEvent(t, "P1", "chk-1")
	if err := store.Append(ctx, evt); err != nil {
		t.Fatalf("append: %v", err)
	}

	next := time.Now().Add(4 * time.Second).UTC()
	if err := store.MarkFailed(ctx, evt.ID, 2, next, "dial tcp: connection refused"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	events, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := events[0]
	if got.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", got.RetryCount)
	}
	if got.DeliveryState != schema.StatePending {
		t.Fatalf("expected pending state after failure, got %s", got.DeliveryState)
	}
	if !got.NextEligibleAt.Equal(next) {
		t.Fatalf("expected next eligible %v, got %v", next, got.NextEligibleAt)
	}
	if got.LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
}

func TestAbandonMovesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	evt := newTestEvent(t, "P1", "chk-1")
	if err := store.Append(ctx, evt); err != nil {
		t.Fatalf("append: %v", err)
	}

	abandonedAt := time.Now().UTC()
	if err := store.Abandon(ctx, evt.ID, "retry ceiling exceeded", abandonedAt); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty pending queue, got %d", count)
	}

	letters, err := store.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].Event.ID != evt.ID {
		t.Fatal("dead letter must carry the original event")
	}
	if letters[0].Event.DeliveryState != schema.StateAbandoned {
		t.Fatalf("expected abandoned state, got %s", letters[0].Event.DeliveryState)
	}
	if letters[0].LastError != "retry ceiling exceeded" {
		t.Fatalf("unexpected last error %q", letters[0].LastError)
	}
}

func TestOpenRecoversInFlightRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pending.db")

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	evt := newTestEvent(t, "P1", "chk-1")
	if err := store.Append(ctx, evt); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.MarkInFlight(ctx, evt.ID); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after restart, got %d", len(events))
	}
	if events[0].DeliveryState != schema.StatePending {
		t.Fatalf("expected in-flight row demoted to pending, got %s", events[0].DeliveryState)
	}
}

func TestEventsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pending.db")

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	evt := newTestEvent(t, "P1", "chk-9")
	if err := store.Append(ctx, evt); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].ID != evt.ID {
		t.Fatal("expected appended event to survive restart")
	}
}
