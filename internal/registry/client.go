package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
	"github.com/jashmhta/palitana-yatra-tracker/internal/dispatch"
	"github.com/jashmhta/palitana-yatra-tracker/internal/schema"
)

const defaultClientTimeout = 10 * time.Second

// Client is the device-side consumer of the registry endpoints. It implements
// the dispatcher's write path and the reconciler's snapshot source.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a registry client for the given base URL. A nil
// httpClient uses a default with a 10s timeout.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("registry client: base url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("registry client: parse base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	return &Client{baseURL: trimmed, httpClient: httpClient}, nil
}

// Create delivers one scan with its id as the idempotency token.
func (c *Client) Create(ctx context.Context, evt schema.ScanEvent) (dispatch.CreateResult, error) {
	payload, err := json.Marshal(requestFromEvent(evt))
	if err != nil {
		return dispatch.CreateResult{}, errs.New("registry/client", errs.CodeInternal,
			errs.WithMessage("encode create request"), errs.WithCause(err), errs.WithEventID(evt.ID))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+scansPath, bytes.NewReader(payload))
	if err != nil {
		return dispatch.CreateResult{}, errs.New("registry/client", errs.CodeInternal,
			errs.WithMessage("build create request"), errs.WithCause(err), errs.WithEventID(evt.ID))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return dispatch.CreateResult{}, classifyTransportError(err, evt.ID)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		var out CreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return dispatch.CreateResult{}, errs.New("registry/client", errs.CodeUnavailable,
				errs.WithMessage("decode create response"), errs.WithCause(err), errs.WithEventID(evt.ID))
		}
		return dispatch.CreateResult{Accepted: out.Accepted, Duplicate: out.Duplicate}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return dispatch.CreateResult{}, errs.New("registry/client", errs.CodeRejected,
			errs.WithHTTP(resp.StatusCode), errs.WithMessage(readErrorBody(resp.Body)), errs.WithEventID(evt.ID))
	default:
		return dispatch.CreateResult{}, errs.New("registry/client", errs.CodeUnavailable,
			errs.WithHTTP(resp.StatusCode), errs.WithMessage("registry unavailable"), errs.WithEventID(evt.ID))
	}
}

// Snapshot fetches the confirmed events, incrementally when a cursor is
// supplied. It returns the scans together with the advanced cursor.
func (c *Client) Snapshot(ctx context.Context, cursor string) ([]schema.ConfirmedScan, string, error) {
	endpoint := c.baseURL + snapshotPath
	if cursor != "" {
		endpoint += "?since=" + url.QueryEscape(cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("registry client: build snapshot request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", classifyTransportError(err, "")
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		code := errs.CodeUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			code = errs.CodeRejected
		}
		return nil, "", errs.New("registry/client", code,
			errs.WithHTTP(resp.StatusCode), errs.WithMessage(readErrorBody(resp.Body)))
	}
	var out SnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", errs.New("registry/client", errs.CodeUnavailable,
			errs.WithMessage("decode snapshot response"), errs.WithCause(err))
	}
	return out.Scans, out.Cursor, nil
}

func classifyTransportError(err error, eventID string) error {
	code := errs.CodeNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		code = errs.CodeTimeout
	}
	opts := []errs.Option{errs.WithMessage("transport failure"), errs.WithCause(err)}
	if eventID != "" {
		opts = append(opts, errs.WithEventID(eventID))
	}
	return errs.New("registry/client", code, opts...)
}

func readErrorBody(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, maxJSONBodyBytes)).Decode(&payload); err != nil {
		return "request rejected"
	}
	if payload.Error == "" {
		return "request rejected"
	}
	return payload.Error
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxJSONBodyBytes))
	_ = body.Close()
}

var _ dispatch.WritePath = (*Client)(nil)
