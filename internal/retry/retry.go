// Package retry executes HTTP requests with bounded exponential backoff.
// Shared by the backend QA client and the WhatsApp Graph API client so
// both retry transient failures the same way.
package retry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Policy bounds the retry loop. Delay before attempt n (0-based) is
// min(BaseDelay<<n, MaxDelay), so the defaults wait 1s then 2s.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep waits for d or until ctx is done. Overridden in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy matches the platform-facing clients: three attempts with
// delays of 1s and 2s between them.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    4 * time.Second,
	}
}

// Backoff returns the delay applied before retrying after attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// retryableError indicates a transient HTTP failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// Do executes the request built by buildReq, retrying transport errors,
// 5xx responses and 429 rate limits per the policy. Any other response,
// client errors included, is returned to the caller with its body intact.
// buildReq is called once per attempt because a request body cannot be
// replayed after a failed send.
func Do(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), p Policy, logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := p.Backoff(attempt - 1)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			if err := p.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			logger.Warn("request failed", "attempt", attempt+1, "error", err)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			logger.Warn("server error", "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", p.MaxAttempts, lastErr)
}
