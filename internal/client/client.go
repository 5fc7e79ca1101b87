// Package client provides the HTTP client that uploads finished run reports
// to a reporting server.
//
// The client uses hashicorp/go-retryablehttp for automatic retry with
// backoff and jitter, so a server restart or brief network loss only delays
// reports. Reports that still fail stay queued and are retried by the
// results uploader.
//
// Usage:
//
//	c := client.NewClient("https://reports.example.com", apiKey, logger)
//	err := c.SubmitRunReports(ctx, reports)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/stha-sanket/RPA-App/internal/results"
	"github.com/stha-sanket/RPA-App/internal/version"
)

// ErrNoAPIKey is returned when an upload is attempted without credentials.
var ErrNoAPIKey = errors.New("api key not set")

// Client is the HTTP client for the reporting server.
type Client struct {
	httpClient *http.Client
	serverURL  string
	apiKey     string
	logger     *slog.Logger
}

// NewClient creates a Client configured with retryable HTTP settings:
// 3 retries, 1-10s linear jitter backoff, 30 second request timeout.
func NewClient(serverURL, apiKey string, logger *slog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Backoff = retryablehttp.LinearJitterBackoff

	// Disable retryablehttp's internal logging - we use slog instead
	retryClient.Logger = nil

	retryClient.HTTPClient.Timeout = 30 * time.Second

	return &Client{
		httpClient: retryClient.StandardClient(),
		serverURL:  serverURL,
		apiKey:     apiKey,
		logger:     logger.With(slog.String("component", "client")),
	}
}

// runReportPayload is the JSON body of a report upload.
type runReportPayload struct {
	Host    string          `json:"host"`
	Version string          `json:"version"`
	Runs    []runReportItem `json:"runs"`
}

type runReportItem struct {
	RunID      string `json:"run_id"`
	Script     string `json:"script"`
	Source     string `json:"source"`
	Status     string `json:"status"`
	Result     any    `json:"result"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	DurationMs int64  `json:"duration_ms"`
}

// SubmitRunReports uploads a batch of finished runs to /api/runs/reports.
// The server answers 201 Created on success and deduplicates by run ID.
func (c *Client) SubmitRunReports(ctx context.Context, reports []*results.Report) error {
	if c.apiKey == "" {
		return ErrNoAPIKey
	}

	url := c.serverURL + "/api/runs/reports"

	payload := runReportPayload{
		Host:    hostname(),
		Version: version.Version,
		Runs:    make([]runReportItem, 0, len(reports)),
	}
	for _, r := range reports {
		rec := r.Record
		if rec == nil {
			continue
		}
		payload.Runs = append(payload.Runs, runReportItem{
			RunID:      rec.ID,
			Script:     rec.ScriptName,
			Source:     rec.Source,
			Status:     rec.Status,
			Result:     rec.Result,
			ExitCode:   rec.ExitCode,
			TimedOut:   rec.TimedOut,
			Error:      rec.Error,
			StartedAt:  rec.StartedAt.Format(time.RFC3339),
			FinishedAt: rec.FinishedAt.Format(time.RFC3339),
			DurationMs: rec.DurationMs,
		})
	}

	c.logger.Debug("submitting run reports",
		slog.String("url", url),
		slog.Int("count", len(payload.Runs)),
	)

	resp, err := c.doJSONRequest(ctx, http.MethodPost, url, payload)
	if err != nil {
		return fmt.Errorf("run reports request failed: %w", err)
	}
	defer resp.Body.Close()
	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("run reports failed with status %d", resp.StatusCode)
	}

	c.logger.Debug("run reports submitted",
		slog.Int("count", len(payload.Runs)),
	)
	return nil
}

// doJSONRequest sends body as JSON with the runner's auth and version headers.
func (c *Client) doJSONRequest(ctx context.Context, method, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Runner-Version", version.Version)
	req.Header.Set("X-Runner-Platform", runtime.GOOS+"-"+runtime.GOARCH)

	return c.httpClient.Do(req)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
