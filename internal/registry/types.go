// Package registry implements the authoritative write path and snapshot read
// path, plus the device-side client that consumes them.
package registry

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

// CreateRequest is the wire form of one scan delivery. The idempotency key is
// the client-generated event id.
type CreateRequest struct {
	IdempotencyKey string    `json:"idempotencyKey"`
	ParticipantRef string    `json:"participantRef"`
	CheckpointID   string    `json:"checkpointId"`
	DeviceID       string    `json:"deviceId"`
	OccurredAt     time.Time `json:"occurredAt"`
	GeoLat         *string   `json:"geoLat,omitempty"`
	GeoLon         *string   `json:"geoLon,omitempty"`
}

// CreateResponse is the write-path verdict. Exactly one of Accepted and
// Duplicate is true on success.
type CreateResponse struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate"`
}

// SnapshotResponse carries the confirmed events visible at the registry,
// optionally incremental since the request cursor.
type SnapshotResponse struct {
	Scans  []schema.ConfirmedScan `json:"scans"`
	Cursor string                 `json:"cursor"`
}

func requestFromEvent(evt schema.ScanEvent) CreateRequest {
	req := CreateRequest{
		IdempotencyKey: evt.ID,
		ParticipantRef: evt.ParticipantRef,
		CheckpointID:   evt.CheckpointID,
		DeviceID:       evt.OriginDevice,
		OccurredAt:     evt.OccurredAt,
		GeoLat:         nil,
		GeoLon:         nil,
	}
	if evt.Geo != nil {
		lat := evt.Geo.Lat.String()
		lon := evt.Geo.Lon.String()
		req.GeoLat = &lat
		req.GeoLon = &lon
	}
	return req
}

func (r CreateRequest) geo() (*schema.Geo, error) {
	if r.GeoLat == nil || r.GeoLon == nil {
		return nil, nil
	}
	lat, err := decimal.NewFromString(*r.GeoLat)
	if err != nil {
		return nil, err
	}
	lon, err := decimal.NewFromString(*r.GeoLon)
	if err != nil {
		return nil, err
	}
	return &schema.Geo{Lat: lat, Lon: lon}, nil
}
