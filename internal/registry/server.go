package registry

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
	"github.com/jashmhta/palitana-yatra-tracker/internal/observability"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	scansPath     = "/v1/scans"
	snapshotPath  = "/v1/snapshot"
	keepalivePath = "/v1/ws"
	healthPath    = "/healthz"

	// snapshotOverlap bounds how long a create transaction may run and still
	// surface to incremental readers: its recorded_at stamps transaction
	// start, so the cursor trails the newest returned row by this much.
	snapshotOverlap = 15 * time.Second
)

// ScanStore is the persistence surface the server requires.
type ScanStore interface {
	Create(ctx context.Context, req CreateRequest) (CreateResponse, error)
	Snapshot(ctx context.Context, since *time.Time) ([]schema.ConfirmedScan, error)
}

// Server exposes the authoritative write and read endpoints over HTTP, plus a
// websocket keepalive channel that devices use as their reachability signal.
type Server struct {
	store ScanStore
}

// NewServer constructs the registry HTTP surface over the scan store.
func NewServer(store ScanStore) *Server {
	return &Server{store: store}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+scansPath, s.handleCreate)
	mux.HandleFunc("GET "+snapshotPath, s.handleSnapshot)
	mux.HandleFunc("GET "+keepalivePath, s.handleKeepalive)
	mux.HandleFunc("GET "+healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := s.store.Create(r.Context(), req)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeInvalid {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		observability.Log().Error("create scan failed",
			observability.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, "create scan failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed since cursor")
			return
		}
		since = &parsed
	}

	scans, err := s.store.Snapshot(r.Context(), since)
	if err != nil {
		observability.Log().Error("snapshot query failed",
			observability.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, "snapshot query failed")
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{
		Scans:  scans,
		Cursor: snapshotCursor(scans, since),
	})
}

// handleKeepalive holds a websocket open so devices can derive their
// Online/Offline state from it. The library answers pings while CloseRead
// drains the connection; no payload ever flows.
func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// snapshotCursor yields the cursor for the next incremental fetch: the newest
// recorded stamp rewound by the overlap window, never behind the previous
// cursor, carried forward unchanged when the increment is empty. The rewind
// covers creates whose transaction started before a poll but committed after
// it; the rows inside the window are re-sent and readers deduplicate by key.
func snapshotCursor(scans []schema.ConfirmedScan, since *time.Time) string {
	if len(scans) == 0 {
		if since == nil {
			return ""
		}
		return since.UTC().Format(time.RFC3339Nano)
	}
	cursor := scans[len(scans)-1].RecordedAt.UTC().Add(-snapshotOverlap)
	if since != nil && cursor.Before(*since) {
		cursor = since.UTC()
	}
	return cursor.Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
