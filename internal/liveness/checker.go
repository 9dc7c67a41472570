// Package liveness confirms video-selfie sessions with the liveness vendor.
package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
)

var (
	ErrNotConfigured = errors.New("liveness vendor is not configured")
	ErrUnavailable   = errors.New("liveness vendor unavailable")
)

const statusPassed = "passed"

// Result is the vendor verdict for one session.
type Result struct {
	SessionID string
	Passed    bool
	Status    string
}

type sessionResponse struct {
	SessionID   string `json:"sessionId"`
	ReferenceID string `json:"referenceId"`
	Status      string `json:"status"`
}

type Checker struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewChecker(cfg *config.Config, logger *zap.Logger) *Checker {
	return &Checker{
		baseURL:    strings.TrimRight(cfg.Liveness.BaseURL, "/"),
		apiKey:     cfg.Liveness.APIKey,
		httpClient: &http.Client{Timeout: cfg.Liveness.Timeout},
		logger:     logger,
	}
}

// Confirm fetches the session verdict. A session only passes if the vendor bound it to userID.
func (c *Checker) Confirm(ctx context.Context, userID, sessionID string) (*Result, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build liveness request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &Result{SessionID: sessionID, Status: "unknown"}, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body sessionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	passed := body.Status == statusPassed && body.ReferenceID == userID
	c.logger.Debug("Liveness session checked",
		zap.String("user_id", userID),
		zap.String("status", body.Status),
		zap.Bool("passed", passed),
		zap.Duration("duration", time.Since(start)))

	return &Result{SessionID: sessionID, Passed: passed, Status: body.Status}, nil
}
