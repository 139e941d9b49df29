package sheetlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/jashmhta/palitana-yatra-tracker/errs"
)

const webhookTimeout = 15 * time.Second

// Webhook posts sheet batches to an HTTP collector endpoint.
type Webhook struct {
	url        string
	httpClient *http.Client
}

// NewWebhook builds a webhook appender for the collector URL. A nil client
// gets a default with a bounded timeout.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	w := new(Webhook)
	w.url = url
	w.httpClient = client
	return w
}

// Append posts the batch as a JSON array. Any non-2xx response is an error so
// the queue retries the batch on the next flush.
func (w *Webhook) Append(ctx context.Context, entries []Entry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("sheetlog: encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sheetlog: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return errs.New("sheetlog", errs.CodeNetwork, errs.WithCause(err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.New("sheetlog", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("collector returned %d", resp.StatusCode)),
			errs.WithHTTP(resp.StatusCode))
	}
	return nil
}

var _ Appender = (*Webhook)(nil)
