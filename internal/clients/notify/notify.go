// Package notify posts accepted filings to the broadcast frontend's
// intake endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// Client posts BroadcastPayloads to the intake endpoint. A "skipped"
// response is success: the frontend applied the filter, the filing
// stays stored.
type Client struct {
	httpClient *http.Client
	endpoint   string
	logger     *common.Logger
}

// ClientOption configures a notify client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a notifier for the given broadcast config.
func NewClient(config *common.BroadcastConfig, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: config.GetTimeout()},
		endpoint:   config.Endpoint,
		logger:     common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ interfaces.Notifier = (*Client)(nil)

// NotifyNewAnnouncement POSTs the payload to the intake endpoint.
func (c *Client) NotifyNewAnnouncement(ctx context.Context, payload *models.BroadcastPayload) error {
	if c.endpoint == "" {
		c.logger.Debug().Str("corp_id", payload.CorpID).Msg("No broadcast endpoint configured, skipping notify")
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build intake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("intake request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("intake returned status %d: %s", resp.StatusCode, string(snippet))
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse intake response: %w", err)
	}
	if result.Status == "skipped" {
		c.logger.Debug().Str("corp_id", payload.CorpID).Msg("Intake filtered the payload")
	}
	return nil
}
