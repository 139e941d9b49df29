package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

// Store is the authoritative scan store. The uniqueness invariant lives in the
// database: a single constrained insert decides acceptance, never a
// read-then-write sequence.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	// The ON CONFLICT clause covers both constraints: the primary key (replayed
	// idempotency key) and the (participant_ref, checkpoint_id) uniqueness key.
	// Exactly one concurrent insert for a key returns a row; all others,
	// including re-deliveries of an already-accepted id, return none.
	createScanSQL = `
INSERT INTO scans (
    id, participant_ref, checkpoint_id, origin_device, occurred_at, geo_lat, geo_lon
)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT DO NOTHING
RETURNING id;
`

	snapshotSQL = `
SELECT id, participant_ref, checkpoint_id, origin_device, occurred_at, recorded_at
FROM scans
ORDER BY recorded_at ASC, id ASC;
`

	// The comparison is inclusive: recorded_at stamps transaction start, so a
	// create committing after a poll can carry a stamp at or before the poll's
	// cursor. Cursors are handed out rewound by an overlap window and rows in
	// the window are re-sent; readers deduplicate by key.
	snapshotSinceSQL = `
SELECT id, participant_ref, checkpoint_id, origin_device, occurred_at, recorded_at
FROM scans
WHERE recorded_at >= $1
ORDER BY recorded_at ASC, id ASC;
`
)

// Create applies the idempotent write path for one delivery. Two concurrent
// calls sharing a uniqueness key resolve deterministically: exactly one
// accepted, the rest duplicate, regardless of arrival order or distinct ids.
func (s *Store) Create(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	if s.pool == nil {
		return CreateResponse{}, fmt.Errorf("registry store: nil pool")
	}
	if err := validateCreate(req); err != nil {
		return CreateResponse{}, err
	}

	var lat, lon any
	if geo, err := req.geo(); err != nil {
		return CreateResponse{}, errs.New("registry/store", errs.CodeInvalid,
			errs.WithMessage("malformed geo coordinates"), errs.WithCause(err))
	} else if geo != nil {
		lat = geo.Lat.String()
		lon = geo.Lon.String()
	}

	var insertedID string
	err := s.pool.QueryRow(ctx, createScanSQL,
		req.IdempotencyKey,
		strings.TrimSpace(req.ParticipantRef),
		strings.TrimSpace(req.CheckpointID),
		strings.TrimSpace(req.DeviceID),
		req.OccurredAt.UTC(),
		lat,
		lon,
	).Scan(&insertedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CreateResponse{Accepted: false, Duplicate: true}, nil
		}
		return CreateResponse{}, fmt.Errorf("registry store: create: %w", err)
	}
	return CreateResponse{Accepted: true, Duplicate: false}, nil
}

// Snapshot lists the confirmed scans, optionally only those recorded at or
// after since. A nil since returns the full snapshot.
func (s *Store) Snapshot(ctx context.Context, since *time.Time) ([]schema.ConfirmedScan, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("registry store: nil pool")
	}
	var (
		rows pgx.Rows
		err  error
	)
	if since == nil {
		rows, err = s.pool.Query(ctx, snapshotSQL)
	} else {
		rows, err = s.pool.Query(ctx, snapshotSinceSQL, since.UTC())
	}
	if err != nil {
		return nil, fmt.Errorf("registry store: snapshot: %w", err)
	}
	defer rows.Close()

	var scans []schema.ConfirmedScan
	for rows.Next() {
		var scan schema.ConfirmedScan
		if err := rows.Scan(
			&scan.ID,
			&scan.ParticipantRef,
			&scan.CheckpointID,
			&scan.OriginDevice,
			&scan.OccurredAt,
			&scan.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("registry store: scan snapshot row: %w", err)
		}
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry store: iterate snapshot: %w", err)
	}
	return scans, nil
}

func validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return errs.New("registry/store", errs.CodeInvalid, errs.WithMessage("idempotency key required"))
	}
	if strings.TrimSpace(req.ParticipantRef) == "" {
		return errs.New("registry/store", errs.CodeInvalid, errs.WithMessage("participant ref required"))
	}
	if strings.TrimSpace(req.CheckpointID) == "" {
		return errs.New("registry/store", errs.CodeInvalid, errs.WithMessage("checkpoint id required"))
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		return errs.New("registry/store", errs.CodeInvalid, errs.WithMessage("device id required"))
	}
	if req.OccurredAt.IsZero() {
		return errs.New("registry/store", errs.CodeInvalid, errs.WithMessage("occurred-at required"))
	}
	return nil
}
