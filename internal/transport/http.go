package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/connwatch/reporter/internal/queue"
)

// HTTP delivers records by POSTing them as JSON to the collector's ingest
// endpoint.
type HTTP struct {
	endpoint  string
	healthURL string
	client    *http.Client
	logger    *slog.Logger
}

func NewHTTP(endpoint, healthURL string, timeout time.Duration, log *slog.Logger) *HTTP {
	return &HTTP{
		endpoint:  endpoint,
		healthURL: healthURL,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: log,
	}
}

func (t *HTTP) Send(ctx context.Context, rec *queue.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return &Error{Message: fmt.Sprintf("encode record: %v", err), StatusCode: 400}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build collector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		// Transport-level failure: DNS, refused, timeout. Left unwrapped so
		// the breaker's connectivity classifier sees the original message.
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &Error{
			Message:    fmt.Sprintf("push rejected for record %s", rec.ID),
			StatusCode: res.StatusCode,
		}
	}

	t.logger.Debug("record delivered",
		slog.String("id", rec.ID),
		slog.String("origin", rec.Origin))

	return nil
}

// Probe checks collector reachability without pushing data. Wired as the
// breaker's health-check operation when a health URL is configured.
func (t *HTTP) Probe(ctx context.Context) error {
	if t.healthURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.healthURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode != http.StatusOK {
		return &Error{
			Message:    "collector health probe failed",
			StatusCode: res.StatusCode,
		}
	}

	return nil
}
