// Package httpclient is the shared outbound dispatcher used by the
// gateway, BAP and BPP engines to POST signed Beckn envelopes.
// Grounded on internal/daytona/client.go's do-helper shape: a thin wrapper
// around *http.Client with the request building centralized in one place.
package httpclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beckn-net/beckn-core/internal/authheader"
)

// Client dispatches JSON bodies with a Beckn Authorization header signed by
// the caller's own Ed25519 key.
type Client struct {
	http        *http.Client
	subscriber  string
	uniqueKeyID string
	privKey     ed25519.PrivateKey
}

func New(subscriberID, uniqueKeyID string, privKey ed25519.PrivateKey, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:        &http.Client{Timeout: timeout},
		subscriber:  subscriberID,
		uniqueKeyID: uniqueKeyID,
		privKey:     privKey,
	}
}

// Post signs body with the Beckn Authorization scheme and POSTs it as JSON
// to url. It returns the raw response body on any 2xx status.
func (c *Client) Post(ctx context.Context, url string, body any) ([]byte, int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("httpclient: marshal body: %w", err)
	}

	header, err := authheader.Build(c.subscriber, c.uniqueKeyID, c.privKey, body)
	if err != nil {
		return nil, 0, fmt.Errorf("httpclient: build auth header: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, fmt.Errorf("httpclient: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("httpclient: do: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("httpclient: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return respBody, resp.StatusCode, fmt.Errorf("httpclient: %s: status %d", url, resp.StatusCode)
	}
	return respBody, resp.StatusCode, nil
}

// PostWithRetry retries any failed attempt (transport error or non-2xx
// status, 4xx included) with exponential backoff,
// bounded by deadline (typically the envelope's context.ttl window) and a
// hard cap of maxAttempts. Grounded on spec.md §4.5's gateway fan-out retry
// rule (3 attempts within ttl).
func (c *Client) PostWithRetry(ctx context.Context, url string, body any, maxAttempts int, deadline time.Duration) ([]byte, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		respBody, _, err := c.Post(ctx, url, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}
