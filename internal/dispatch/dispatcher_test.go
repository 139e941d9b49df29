package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
	"github.com/jashmhta/palitana-yatra-tracker/internal/pending"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

type fakeWritePath struct {
	results []createReply
	calls   int
}

type createReply struct {
	result CreateResult
	err    error
}

func (f *fakeWritePath) Create(_ context.Context, _ schema.ScanEvent) (CreateResult, error) {
	reply := f.results[f.calls]
	if f.calls < len(f.results)-1 {
		f.calls++
	}
	return reply.result, reply.err
}

func newHarness(t *testing.T, writePath WritePath, policy Policy) (*Dispatcher, *pending.Store, *pending.DuplicateIndex) {
	t.Helper()
	ctx := context.Background()
	store, err := pending.Open(ctx, filepath.Join(t.TempDir(), "pending.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	index := pending.NewDuplicateIndex()
	return NewDispatcher(writePath, store, index, policy, nil), store, index
}

func appendEvent(t *testing.T, store *pending.Store, index *pending.DuplicateIndex) schema.ScanEvent {
	t.Helper()
	evt, err := schema.NewScanEvent("P1", "chk-1", "device-a", nil, time.Now())
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := store.Append(context.Background(), evt); err != nil {
		t.Fatalf("append: %v", err)
	}
	index.Add(evt.Key())
	return evt
}

func TestDispatchConfirmedRemovesFromStore(t *testing.T) {
	writePath := &fakeWritePath{results: []createReply{{result: CreateResult{Accepted: true}}}}
	d, store, index := newHarness(t, writePath, DefaultPolicy())
	evt := appendEvent(t, store, index)

	outcome, err := d.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s", outcome)
	}
	count, _ := store.Count(context.Background())
	if count != 0 {
		t.Fatalf("expected empty queue, got %d", count)
	}
	if !index.IsKnownDuplicate("P1", "chk-1") {
		t.Fatal("confirmed key must stay in the duplicate index")
	}
}

func TestDispatchDuplicateIsTerminalSuccess(t *testing.T) {
	writePath := &fakeWritePath{results: []createReply{{result: CreateResult{Duplicate: true}}}}
	d, store, index := newHarness(t, writePath, DefaultPolicy())
	evt := appendEvent(t, store, index)

	outcome, err := d.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate resolved, got %s", outcome)
	}
	count, _ := store.Count(context.Background())
	if count != 0 {
		t.Fatalf("expected empty queue, got %d", count)
	}
}

func TestDispatchTransientFailureKeepsEventWithBackoff(t *testing.T) {
	netErr := errs.New("registry/client", errs.CodeNetwork, errs.WithMessage("connection refused"))
	writePath := &fakeWritePath{results: []createReply{{err: netErr}}}
	d, store, index := newHarness(t, writePath, DefaultPolicy())
	evt := appendEvent(t, store, index)

	before := time.Now()
	outcome, err := d.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != OutcomeTransient {
		t.Fatalf("expected transient failure, got %s", outcome)
	}

	events, err := store.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("event must stay in the queue, got %d rows", len(events))
	}
	got := events[0]
	if got.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", got.RetryCount)
	}
	if !got.NextEligibleAt.After(before) {
		t.Fatal("expected next-eligible time in the future")
	}
}

func TestDispatchRetryCeilingDeadLetters(t *testing.T) {
	netErr := errs.New("registry/client", errs.CodeNetwork, errs.WithMessage("connection refused"))
	writePath := &fakeWritePath{results: []createReply{{err: netErr}}}
	policy := DefaultPolicy()
	policy.MaxRetries = 3
	d, store, index := newHarness(t, writePath, policy)

	evt := appendEvent(t, store, index)
	evt.RetryCount = 2 // next failure crosses the ceiling

	outcome, err := d.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != OutcomeAbandoned {
		t.Fatalf("expected abandoned, got %s", outcome)
	}

	count, _ := store.Count(context.Background())
	if count != 0 {
		t.Fatalf("expected empty queue, got %d", count)
	}
	letters, err := store.DeadLetters(context.Background())
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected dead letter record, got %d", len(letters))
	}
	if index.IsKnownDuplicate("P1", "chk-1") {
		t.Fatal("abandoned key must be forgotten so a fresh scan is accepted")
	}
}

func TestDispatchRejectionDeadLettersWithoutRetry(t *testing.T) {
	rejection := errs.New("registry/client", errs.CodeRejected, errs.WithHTTP(400))
	writePath := &fakeWritePath{results: []createReply{{err: rejection}}}
	d, store, index := newHarness(t, writePath, DefaultPolicy())
	evt := appendEvent(t, store, index)

	outcome, err := d.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", outcome)
	}
	letters, _ := store.DeadLetters(context.Background())
	if len(letters) != 1 {
		t.Fatalf("rejected event must be dead-lettered, got %d", len(letters))
	}
}

func TestDispatchEventualSuccessAfterTransientFailures(t *testing.T) {
	netErr := errs.New("registry/client", errs.CodeNetwork, errs.WithMessage("timeout"))
	writePath := &fakeWritePath{results: []createReply{
		{err: netErr},
		{err: netErr},
		{result: CreateResult{Accepted: true}},
	}}
	d, store, index := newHarness(t, writePath, DefaultPolicy())
	appendEvent(t, store, index)

	ctx := context.Background()
	for attempt := 0; attempt < 3; attempt++ {
		events, err := store.ListAll(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("attempt %d: event must remain observable until confirmed", attempt)
		}
		if _, err := d.Dispatch(ctx, events[0]); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	count, _ := store.Count(ctx)
	if count != 0 {
		t.Fatal("expected confirmation on third attempt to drain the queue")
	}
}
