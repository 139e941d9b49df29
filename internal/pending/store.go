// Package pending persists not-yet-confirmed scan events across process
// restarts and answers fast local duplicate checks.
package pending

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // embedded sqlite driver

	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

// Store is the durable pending queue. Every accepted scan lives here until it
// reaches a terminal state; abandoned scans move to the dead-letter table
// rather than being deleted.
type Store struct {
	db *sql.DB
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS pending_scans (
    id              TEXT PRIMARY KEY,
    participant_ref TEXT    NOT NULL,
    checkpoint_id   TEXT    NOT NULL,
    origin_device   TEXT    NOT NULL,
    occurred_at     INTEGER NOT NULL,
    geo_lat         TEXT,
    geo_lon         TEXT,
    delivery_state  TEXT    NOT NULL,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    next_eligible_at INTEGER NOT NULL,
    last_error      TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pending_scans_key
    ON pending_scans (participant_ref, checkpoint_id);

CREATE TABLE IF NOT EXISTS dead_letters (
    id              TEXT PRIMARY KEY,
    participant_ref TEXT    NOT NULL,
    checkpoint_id   TEXT    NOT NULL,
    origin_device   TEXT    NOT NULL,
    occurred_at     INTEGER NOT NULL,
    geo_lat         TEXT,
    geo_lon         TEXT,
    retry_count     INTEGER NOT NULL,
    last_error      TEXT    NOT NULL,
    abandoned_at    INTEGER NOT NULL
);
`

const (
	insertScanSQL = `
INSERT INTO pending_scans (
    id, participant_ref, checkpoint_id, origin_device, occurred_at,
    geo_lat, geo_lon, delivery_state, retry_count, next_eligible_at, last_error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

	selectScansSQL = `
SELECT id, participant_ref, checkpoint_id, origin_device, occurred_at,
       geo_lat, geo_lon, delivery_state, retry_count, next_eligible_at, last_error
FROM pending_scans
ORDER BY rowid ASC;
`

	deleteScanSQL = `DELETE FROM pending_scans WHERE id = ?;`

	updateStateSQL = `UPDATE pending_scans SET delivery_state = ? WHERE id = ?;`

	markFailedSQL = `
UPDATE pending_scans
SET delivery_state = ?, retry_count = ?, next_eligible_at = ?, last_error = ?
WHERE id = ?;
`

	recoverInFlightSQL = `
UPDATE pending_scans SET delivery_state = ? WHERE delivery_state = ?;
`

	moveToDeadLetterSQL = `
INSERT INTO dead_letters (
    id, participant_ref, checkpoint_id, origin_device, occurred_at,
    geo_lat, geo_lon, retry_count, last_error, abandoned_at
)
SELECT id, participant_ref, checkpoint_id, origin_device, occurred_at,
       geo_lat, geo_lon, retry_count, ?, ?
FROM pending_scans WHERE id = ?;
`

	selectDeadLettersSQL = `
SELECT id, participant_ref, checkpoint_id, origin_device, occurred_at,
       geo_lat, geo_lon, retry_count, last_error, abandoned_at
FROM dead_letters
ORDER BY abandoned_at ASC, id ASC;
`

	countScansSQL = `SELECT COUNT(*) FROM pending_scans;`
)

// DeadLetter is the operator-visible record of an abandoned scan.
type DeadLetter struct {
	Event       schema.ScanEvent `json:"event"`
	LastError   string           `json:"lastError"`
	AbandonedAt time.Time        `json:"abandonedAt"`
}

// Open initialises the pending store at the given sqlite path, creating the
// schema on first use. In-flight rows left over from a previous run are
// demoted to pending: their delivery outcome is unknown and resubmission is
// safe because the write path is idempotent.
func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("pending store: path required")
	}
	dsn := "file:" + url.PathEscape(trimmed) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("pending store: open: %w", err)
	}
	// The pending store is exclusively owned by this process; a single
	// connection serialises read-modify-persist sequences at the driver level.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, createTablesSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pending store: create schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, recoverInFlightSQL, string(schema.StatePending), string(schema.StateInFlight)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pending store: recover in-flight rows: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("pending store: close: %w", err)
	}
	return nil
}

// Append persists the event before returning. The caller must not report the
// scan as accepted until Append succeeds.
func (s *Store) Append(ctx context.Context, evt schema.ScanEvent) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("pending store: append: %w", err)
	}
	lat, lon := geoColumns(evt.Geo)
	_, err := s.db.ExecContext(ctx, insertScanSQL,
		evt.ID,
		evt.ParticipantRef,
		evt.CheckpointID,
		evt.OriginDevice,
		evt.OccurredAt.UnixNano(),
		lat,
		lon,
		string(evt.DeliveryState),
		evt.RetryCount,
		evt.NextEligibleAt.UnixNano(),
		evt.LastError,
	)
	if err != nil {
		return fmt.Errorf("pending store: append: %w", err)
	}
	return nil
}

// ListAll returns a stable-ordered snapshot of every pending event, oldest
// appended first.
func (s *Store) ListAll(ctx context.Context) ([]schema.ScanEvent, error) {
	rows, err := s.db.QueryContext(ctx, selectScansSQL)
	if err != nil {
		return nil, fmt.Errorf("pending store: list: %w", err)
	}
	defer rows.Close()

	var events []schema.ScanEvent
	for rows.Next() {
		evt, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending store: iterate: %w", err)
	}
	return events, nil
}

// Count reports the number of events still pending delivery.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, countScansSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("pending store: count: %w", err)
	}
	return count, nil
}

// Remove deletes the event after it reached a confirmed or duplicate-resolved
// terminal state. Abandoned events go through Abandon instead.
func (s *Store) Remove(ctx context.Context, id string) error {
	tag, err := s.db.ExecContext(ctx, deleteScanSQL, id)
	if err != nil {
		return fmt.Errorf("pending store: remove: %w", err)
	}
	affected, err := tag.RowsAffected()
	if err != nil {
		return fmt.Errorf("pending store: remove: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pending store: remove: no row for id %s", id)
	}
	return nil
}

// MarkInFlight flags the event as having a dispatch outstanding.
func (s *Store) MarkInFlight(ctx context.Context, id string) error {
	return s.setState(ctx, id, schema.StateInFlight)
}

// MarkPending returns the event to the pending state without touching its
// retry bookkeeping.
func (s *Store) MarkPending(ctx context.Context, id string) error {
	return s.setState(ctx, id, schema.StatePending)
}

func (s *Store) setState(ctx context.Context, id string, state schema.DeliveryState) error {
	tag, err := s.db.ExecContext(ctx, updateStateSQL, string(state), id)
	if err != nil {
		return fmt.Errorf("pending store: set state: %w", err)
	}
	affected, err := tag.RowsAffected()
	if err != nil {
		return fmt.Errorf("pending store: set state: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pending store: set state: no row for id %s", id)
	}
	return nil
}

// MarkFailed records a failed delivery attempt: bumps the retry count, stores
// the computed next-eligible time, and returns the event to pending.
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, nextEligibleAt time.Time, lastError string) error {
	tag, err := s.db.ExecContext(ctx, markFailedSQL,
		string(schema.StatePending), retryCount, nextEligibleAt.UnixNano(), strings.TrimSpace(lastError), id)
	if err != nil {
		return fmt.Errorf("pending store: mark failed: %w", err)
	}
	affected, err := tag.RowsAffected()
	if err != nil {
		return fmt.Errorf("pending store: mark failed: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pending store: mark failed: no row for id %s", id)
	}
	return nil
}

// Abandon moves the event to the dead-letter table in one transaction so it
// never vanishes without trace. Dead letters are removed only by operator
// action, never by the pipeline.
func (s *Store) Abandon(ctx context.Context, id string, lastError string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pending store: abandon: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	tag, err := tx.ExecContext(ctx, moveToDeadLetterSQL, strings.TrimSpace(lastError), now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("pending store: abandon: copy: %w", err)
	}
	affected, err := tag.RowsAffected()
	if err != nil {
		return fmt.Errorf("pending store: abandon: copy: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pending store: abandon: no row for id %s", id)
	}
	if _, err := tx.ExecContext(ctx, deleteScanSQL, id); err != nil {
		return fmt.Errorf("pending store: abandon: delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pending store: abandon: commit: %w", err)
	}
	return nil
}

// DeadLetters returns every abandoned scan, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, selectDeadLettersSQL)
	if err != nil {
		return nil, fmt.Errorf("pending store: dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var (
			evt         schema.ScanEvent
			occurred    int64
			lat, lon    sql.NullString
			lastError   string
			abandonedAt int64
		)
		if err := rows.Scan(
			&evt.ID,
			&evt.ParticipantRef,
			&evt.CheckpointID,
			&evt.OriginDevice,
			&occurred,
			&lat,
			&lon,
			&evt.RetryCount,
			&lastError,
			&abandonedAt,
		); err != nil {
			return nil, fmt.Errorf("pending store: scan dead letter: %w", err)
		}
		evt.OccurredAt = time.Unix(0, occurred).UTC()
		evt.DeliveryState = schema.StateAbandoned
		evt.LastError = lastError
		geo, err := geoFromColumns(lat, lon)
		if err != nil {
			return nil, fmt.Errorf("pending store: scan dead letter: %w", err)
		}
		evt.Geo = geo
		letters = append(letters, DeadLetter{
			Event:       evt,
			LastError:   lastError,
			AbandonedAt: time.Unix(0, abandonedAt).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending store: iterate dead letters: %w", err)
	}
	return letters, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRow(row rowScanner) (schema.ScanEvent, error) {
	var (
		evt          schema.ScanEvent
		occurred     int64
		lat, lon     sql.NullString
		state        string
		nextEligible int64
	)
	if err := row.Scan(
		&evt.ID,
		&evt.ParticipantRef,
		&evt.CheckpointID,
		&evt.OriginDevice,
		&occurred,
		&lat,
		&lon,
		&state,
		&evt.RetryCount,
		&nextEligible,
		&evt.LastError,
	); err != nil {
		return schema.ScanEvent{}, fmt.Errorf("pending store: scan row: %w", err)
	}
	evt.OccurredAt = time.Unix(0, occurred).UTC()
	evt.NextEligibleAt = time.Unix(0, nextEligible).UTC()
	evt.DeliveryState = schema.DeliveryState(state)
	geo, err := geoFromColumns(lat, lon)
	if err != nil {
		return schema.ScanEvent{}, fmt.Errorf("pending store: scan row: %w", err)
	}
	evt.Geo = geo
	return evt, nil
}

func geoColumns(geo *schema.Geo) (any, any) {
	if geo == nil {
		return nil, nil
	}
	return geo.Lat.String(), geo.Lon.String()
}

func geoFromColumns(lat, lon sql.NullString) (*schema.Geo, error) {
	if !lat.Valid || !lon.Valid {
		return nil, nil
	}
	parsedLat, err := decimal.NewFromString(lat.String)
	if err != nil {
		return nil, fmt.Errorf("parse latitude: %w", err)
	}
	parsedLon, err := decimal.NewFromString(lon.String)
	if err != nil {
		return nil, fmt.Errorf("parse longitude: %w", err)
	}
	return &schema.Geo{Lat: parsedLat, Lon: parsedLon}, nil
}
