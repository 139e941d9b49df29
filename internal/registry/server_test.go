package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

// memoryStore applies the write-path contract in memory for handler tests:
// first writer of a uniqueness key wins, everything else is a duplicate.
type memoryStore struct {
	mu    sync.Mutex
	byID  map[string]struct{}
	byKey map[string]schema.ConfirmedScan
	clock func() time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		byID:  make(map[string]struct{}),
		byKey: make(map[string]schema.ConfirmedScan),
		clock: time.Now,
	}
}

func (m *memoryStore) setClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func (m *memoryStore) Create(_ context.Context, req CreateRequest) (CreateResponse, error) {
	if err := validateCreate(req); err != nil {
		return CreateResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := req.ParticipantRef + "|" + req.CheckpointID
	if _, seen := m.byID[req.IdempotencyKey]; seen {
		return CreateResponse{Duplicate: true}, nil
	}
	if _, taken := m.byKey[key]; taken {
		m.byID[req.IdempotencyKey] = struct{}{}
		return CreateResponse{Duplicate: true}, nil
	}
	m.byID[req.IdempotencyKey] = struct{}{}
	m.byKey[key] = schema.ConfirmedScan{
		ID:             req.IdempotencyKey,
		ParticipantRef: req.ParticipantRef,
		CheckpointID:   req.CheckpointID,
		OriginDevice:   req.DeviceID,
		OccurredAt:     req.OccurredAt,
		RecordedAt:     m.clock(),
	}
	return CreateResponse{Accepted: true}, nil
}

func (m *memoryStore) Snapshot(_ context.Context, since *time.Time) ([]schema.ConfirmedScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var scans []schema.ConfirmedScan
	for _, scan := range m.byKey {
		if since != nil && scan.RecordedAt.Before(*since) {
			continue
		}
		scans = append(scans, scan)
	}
	sort.Slice(scans, func(i, j int) bool {
		if scans[i].RecordedAt.Equal(scans[j].RecordedAt) {
			return scans[i].ID < scans[j].ID
		}
		return scans[i].RecordedAt.Before(scans[j].RecordedAt)
	})
	return scans, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	server := httptest.NewServer(NewServer(store).Handler())
	t.Cleanup(server.Close)
	return server, store
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(server.URL, server.Client())
	require.NoError(t, err)
	return client
}

func testEvent(t *testing.T, participant, checkpoint string) schema.ScanEvent {
	t.Helper()
	evt, err := schema.NewScanEvent(participant, checkpoint, "device-a", nil, time.Now())
	require.NoError(t, err)
	return evt
}

func TestCreateAcceptsFirstWrite(t *testing.T) {
	server, _ := newTestServer(t)
	client := newTestClient(t, server)

	result, err := client.Create(context.Background(), testEvent(t, "P1", "chk-1"))
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.False(t, result.Duplicate)
}

func TestCreateSameKeyResolvesDuplicate(t *testing.T) {
	server, _ := newTestServer(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	first, err := client.Create(ctx, testEvent(t, "P1", "chk-1"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	// Different id, same uniqueness key: another device racing on the same scan.
	second, err := client.Create(ctx, testEvent(t, "P1", "chk-1"))
	require.NoError(t, err)
	require.False(t, second.Accepted)
	require.True(t, second.Duplicate)
}

func TestCreateReplayedIDResolvesDuplicate(t *testing.T) {
	server, _ := newTestServer(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	evt := testEvent(t, "P1", "chk-1")
	first, err := client.Create(ctx, evt)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	replay, err := client.Create(ctx, evt)
	require.NoError(t, err)
	require.True(t, replay.Duplicate)
}

func TestCreateMalformedRequestIsRejected(t *testing.T) {
	server, _ := newTestServer(t)
	client := newTestClient(t, server)

	evt := testEvent(t, "P1", "chk-1")
	evt.ParticipantRef = ""
	_, err := client.Create(context.Background(), evt)
	require.Error(t, err)
	require.Equal(t, errs.CodeRejected, errs.CodeOf(err))
}

func TestCreateServerErrorIsTransient(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(failing.Close)

	client, err := NewClient(failing.URL, failing.Client())
	require.NoError(t, err)

	_, err = client.Create(context.Background(), testEvent(t, "P1", "chk-1"))
	require.Error(t, err)
	require.True(t, errs.IsTransient(err))
}

func TestCreateConnectionRefusedIsTransient(t *testing.T) {
	server, _ := newTestServer(t)
	client := newTestClient(t, server)
	server.Close()

	_, err := client.Create(context.Background(), testEvent(t, "P1", "chk-1"))
	require.Error(t, err)
	require.True(t, errs.IsTransient(err))
}

func TestSnapshotRoundTrip(t *testing.T) {
	server, _ := newTestServer(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	for _, pair := range [][2]string{{"P1", "chk-1"}, {"P2", "chk-1"}, {"P1", "chk-2"}} {
		_, err := client.Create(ctx, testEvent(t, pair[0], pair[1]))
		require.NoError(t, err)
	}

	scans, cursor, err := client.Snapshot(ctx, "")
	require.NoError(t, err)
	require.Len(t, scans, 3)
	require.NotEmpty(t, cursor)
}

func TestSnapshotCursorTrailsNewestRow(t *testing.T) {
	now := time.Now().UTC()
	scans := []schema.ConfirmedScan{{ID: "a", RecordedAt: now}}

	cursor, err := time.Parse(time.RFC3339Nano, snapshotCursor(scans, nil))
	require.NoError(t, err)
	require.True(t, cursor.Equal(now.Add(-snapshotOverlap)),
		"cursor must trail the newest row by the overlap window")

	// The cursor never moves backwards past the one it was given.
	since := now.Add(-time.Second)
	cursor, err = time.Parse(time.RFC3339Nano, snapshotCursor(scans, &since))
	require.NoError(t, err)
	require.True(t, cursor.Equal(since))

	// An empty increment carries the previous cursor forward.
	require.Equal(t, since.Format(time.RFC3339Nano), snapshotCursor(nil, &since))
	require.Empty(t, snapshotCursor(nil, nil))
}

func TestSnapshotLateCommitVisibleAfterCursor(t *testing.T) {
	server, store := newTestServer(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	base := time.Now().UTC()
	store.setClock(func() time.Time { return base })
	_, err := client.Create(ctx, testEvent(t, "P1", "chk-1"))
	require.NoError(t, err)

	scans, cursor, err := client.Snapshot(ctx, "")
	require.NoError(t, err)
	require.Len(t, scans, 1)

	// A create whose transaction started before the poll commits after it,
	// carrying a recorded stamp behind the newest row already returned.
	store.setClock(func() time.Time { return base.Add(-2 * time.Second) })
	_, err = client.Create(ctx, testEvent(t, "P2", "chk-1"))
	require.NoError(t, err)

	increment, _, err := client.Snapshot(ctx, cursor)
	require.NoError(t, err)
	found := false
	for _, scan := range increment {
		if scan.ParticipantRef == "P2" {
			found = true
		}
	}
	require.True(t, found, "late-committed scan must reach incremental readers")
}

func TestSnapshotMalformedCursorFails(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + snapshotPath + "?since=yesterday")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateHandlerRejectsBadJSON(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Post(server.URL+scansPath, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
