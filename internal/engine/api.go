package engine

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
	"github.com/jashmhta/palitana-yatra-tracker/internal/observability"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	scansPath       = "/v1/scans"
	statusPath      = "/v1/status"
	deadLettersPath = "/v1/deadletters"
	resumePath      = "/v1/resume"
	healthPath      = "/healthz"
)

// submitRequest is the local scan submission payload from the scanner UI.
type submitRequest struct {
	ParticipantRef string  `json:"participantRef"`
	CheckpointID   string  `json:"checkpointId"`
	OccurredAt     string  `json:"occurredAt,omitempty"`
	GeoLat         *string `json:"geoLat,omitempty"`
	GeoLon         *string `json:"geoLon,omitempty"`
}

func (r submitRequest) geo() (*schema.Geo, error) {
	if r.GeoLat == nil && r.GeoLon == nil {
		return nil, nil
	}
	if r.GeoLat == nil || r.GeoLon == nil {
		return nil, errs.New("engine", errs.CodeInvalid, errs.WithMessage("geo requires both latitude and longitude"))
	}
	lat, err := decimal.NewFromString(*r.GeoLat)
	if err != nil {
		return nil, errs.New("engine", errs.CodeInvalid, errs.WithMessage("malformed latitude"), errs.WithCause(err))
	}
	lon, err := decimal.NewFromString(*r.GeoLon)
	if err != nil {
		return nil, errs.New("engine", errs.CodeInvalid, errs.WithMessage("malformed longitude"), errs.WithCause(err))
	}
	return &schema.Geo{Lat: lat, Lon: lon}, nil
}

func (r submitRequest) occurredAt(now time.Time) (time.Time, error) {
	if r.OccurredAt == "" {
		return now, nil
	}
	at, err := time.Parse(time.RFC3339Nano, r.OccurredAt)
	if err != nil {
		return time.Time{}, errs.New("engine", errs.CodeInvalid, errs.WithMessage("malformed occurredAt"), errs.WithCause(err))
	}
	return at, nil
}

// Handler builds the local HTTP surface that the scanner UI talks to.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+scansPath, e.handleSubmit)
	mux.HandleFunc("GET "+statusPath, e.handleStatus)
	mux.HandleFunc("GET "+deadLettersPath, e.handleDeadLetters)
	mux.HandleFunc("POST "+resumePath, func(w http.ResponseWriter, _ *http.Request) {
		e.Resume()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET "+healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (e *Engine) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	geo, err := req.geo()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	occurredAt, err := req.occurredAt(time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := e.SubmitScan(r.Context(), req.ParticipantRef, req.CheckpointID, geo, occurredAt)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeInvalid {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		observability.Log().Error("scan submission failed",
			observability.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, "scan submission failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (e *Engine) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := e.Status(r.Context())
	if err != nil {
		observability.Log().Error("status query failed",
			observability.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, "status query failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (e *Engine) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := e.DeadLetters(r.Context())
	if err != nil {
		observability.Log().Error("dead letter query failed",
			observability.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, "dead letter query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
