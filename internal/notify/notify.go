// Package notify implements the HTTP notification sink: a one-call POST
// of the final BulkScan record when a bulk scan finalizes, with optional
// OAuth2 client-credentials authentication for endpoints that require a
// bearer token.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/tlsfleet/crawlercore/internal/model"
)

// OAuthConfig carries the optional client-credentials parameters for
// authenticating the notification POST. A zero-value OAuthConfig (empty
// TokenURL) disables authentication entirely.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

func (c OAuthConfig) enabled() bool { return c.TokenURL != "" }

// Sink POSTs the finalized BulkScan record to its NotifyURL. Failures
// are the caller's to log; Sink never retries.
type Sink struct {
	client *http.Client
}

// NewSink builds a Sink. When oauth is configured, the underlying HTTP
// client transparently attaches and refreshes a bearer token via the
// OAuth2 client-credentials grant; otherwise it is a plain client with a
// fixed timeout.
func NewSink(oauth OAuthConfig) *Sink {
	if oauth.enabled() {
		cfg := &clientcredentials.Config{
			ClientID:     oauth.ClientID,
			ClientSecret: oauth.ClientSecret,
			TokenURL:     oauth.TokenURL,
		}
		return &Sink{client: cfg.Client(context.Background())}
	}
	return &Sink{client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify POSTs scan as JSON to scan.NotifyURL. It is a no-op if
// NotifyURL is empty.
func (s *Sink) Notify(ctx context.Context, scan *model.BulkScan) error {
	if scan.NotifyURL == "" {
		return nil
	}

	body, err := json.Marshal(scan)
	if err != nil {
		return fmt.Errorf("notify: encode bulk scan %s: %w", scan.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, scan.NotifyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post to %s: %w", scan.NotifyURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: %s responded %d", scan.NotifyURL, resp.StatusCode)
	}
	return nil
}
