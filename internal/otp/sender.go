package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/util"
)

// Sender delivers a text message to a phone number.
type Sender interface {
	Send(ctx context.Context, phone, body string) error
}

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

type TwilioSender struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type twilioResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorMessage string `json:"message,omitempty"`
}

func NewTwilioSender(accountSID, authToken, fromNumber string, timeout time.Duration, logger *zap.Logger) (*TwilioSender, error) {
	if accountSID == "" || authToken == "" || fromNumber == "" {
		return nil, errors.New("twilio credentials are not configured")
	}
	return &TwilioSender{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    twilioBaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

func (t *TwilioSender) Send(ctx context.Context, phone, body string) error {
	if !strings.HasPrefix(phone, "+") {
		return errors.New("phone number must include country code")
	}

	data := url.Values{}
	data.Set("To", phone)
	data.Set("From", t.fromNumber)
	data.Set("Body", body)

	apiURL := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.baseURL, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var out twilioResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		msg := fmt.Sprintf("twilio API error (status %d)", resp.StatusCode)
		if out.ErrorMessage != "" {
			msg += ": " + out.ErrorMessage
		}
		return errors.New(msg)
	}

	t.logger.Info("SMS sent", util.Phone("phone", phone), zap.String("sid", out.SID), zap.String("status", out.Status))
	return nil
}

// LogSender writes messages to the log instead of delivering them. Development only.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(environment string, logger *zap.Logger) (*LogSender, error) {
	if environment == "production" {
		return nil, errors.New("log sender is not allowed in production")
	}
	return &LogSender{logger: logger}, nil
}

func (l *LogSender) Send(_ context.Context, phone, body string) error {
	l.logger.Warn("DEV SMS (not delivered)", util.Phone("phone", phone), zap.String("body", body))
	return nil
}
