// Package provider implements the client for the question-answering
// backend service.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tourbot/internal/domain"
	"tourbot/internal/retry"
)

// QARequest is one question forwarded to the backend.
type QARequest struct {
	ConversationID string `json:"conversation_id"`
	Area           string `json:"area"`
	Site           string `json:"site"`
	Query          string `json:"query"`
}

// QAResult is the normalized backend answer. Fields are always well-typed
// regardless of what the backend actually returned; shape violations are
// recorded in Anomalies.
type QAResult struct {
	ResponseText        string
	Citations           []domain.Citation
	Images              []domain.Image
	ShouldIncludeImages bool
	Error               string
	Anomalies           []string
}

// Client talks to the QA backend over HTTP with bearer auth.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
}

// NewClient creates a backend client. timeout bounds each HTTP attempt.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: SharedHTTPClient(timeout),
		policy:     retry.DefaultPolicy(),
		logger:     logger,
	}
}

// Ask sends one question and returns the normalized answer. Transient
// failures (transport errors, 5xx, 429) are retried; a client error is
// surfaced in QAResult.Error without retrying.
func (c *Client) Ask(ctx context.Context, req QARequest) (QAResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return QAResult{}, fmt.Errorf("marshal qa request: %w", err)
	}

	resp, err := retry.Do(ctx, c.httpClient, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/qa", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
		return r, nil
	}, c.policy, c.logger)
	if err != nil {
		return QAResult{}, fmt.Errorf("qa backend: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return QAResult{}, fmt.Errorf("read qa response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("qa backend rejected request",
			"status", resp.StatusCode, "conversation_id", req.ConversationID)
		return QAResult{
			Error: fmt.Sprintf("backend returned HTTP %d", resp.StatusCode),
		}, nil
	}

	result, err := normalizeResponse(body)
	if err != nil {
		return QAResult{}, fmt.Errorf("parse qa response: %w", err)
	}
	for _, a := range result.Anomalies {
		c.logger.Warn("qa response shape anomaly",
			"anomaly", a, "conversation_id", req.ConversationID)
	}
	return result, nil
}

// Healthy probes the backend health endpoint. Used by the status command.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend health returned HTTP %d", resp.StatusCode)
	}
	return nil
}
