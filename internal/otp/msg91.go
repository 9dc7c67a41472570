package otp

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
	"identity-service/internal/util"
)

const defaultMSG91BaseURL = "https://control.msg91.com/api/v5"

// MSG91Provider uses the hosted MSG91 OTP API, which generates and checks the code itself.
type MSG91Provider struct {
	baseURL    string
	authKey    string
	templateID string
	httpClient *http.Client
	logger     *zap.Logger
}

type msg91Response struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func NewMSG91Provider(cfg *config.Config, logger *zap.Logger) (*MSG91Provider, error) {
	otpCfg := cfg.OTP
	if otpCfg.MSG91AuthKey == "" || otpCfg.MSG91TemplateID == "" {
		return nil, errors.New("msg91 auth key and template id are required")
	}

	baseURL := otpCfg.MSG91BaseURL
	if baseURL == "" {
		baseURL = defaultMSG91BaseURL
	}

	return &MSG91Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authKey:    otpCfg.MSG91AuthKey,
		templateID: otpCfg.MSG91TemplateID,
		httpClient: &http.Client{Timeout: otpCfg.ProviderTimeout},
		logger:     logger,
	}, nil
}

func (p *MSG91Provider) Name() string { return "msg91" }

// SendCode asks MSG91 to deliver a code. The returned reference carries the
// mobile number because the verify endpoint is keyed by it.
func (p *MSG91Provider) SendCode(ctx context.Context, phone string) (string, error) {
	mobile := strings.TrimPrefix(phone, "+")

	q := url.Values{}
	q.Set("template_id", p.templateID)
	q.Set("mobile", mobile)

	resp, err := p.call(ctx, http.MethodPost, "/otp?"+q.Encode())
	if err != nil {
		return "", err
	}
	if resp.Type != "success" {
		p.logger.Warn("MSG91 rejected send", util.Phone("phone", phone), zap.String("message", resp.Message))
		return "", fmt.Errorf("%w: send rejected", ErrProviderUnavailable)
	}

	return mobile + ":" + resp.RequestID, nil
}

func (p *MSG91Provider) Confirm(ctx context.Context, ref, code string) (bool, error) {
	mobile, _, ok := strings.Cut(ref, ":")
	if !ok || mobile == "" {
		return false, fmt.Errorf("malformed msg91 reference")
	}

	q := url.Values{}
	q.Set("otp", code)
	q.Set("mobile", mobile)

	resp, err := p.call(ctx, http.MethodGet, "/otp/verify?"+q.Encode())
	if err != nil {
		return false, err
	}
	return resp.Type == "success", nil
}

func (p *MSG91Provider) call(ctx context.Context, method, path string) (*msg91Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build msg91 request: %w", err)
	}
	req.Header.Set("authkey", p.authKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if res.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, res.StatusCode)
	}

	var out msg91Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: undecodable response", ErrProviderUnavailable)
	}

	p.logger.Debug("MSG91 call completed",
		zap.String("method", method),
		zap.Int("status", res.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return &out, nil
}
