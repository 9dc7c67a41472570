// Package digilocker runs the DigiLocker OAuth 2.0 flow used for the Silver tier.
package digilocker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"identity-service/internal/config"
)

var ErrProfileUnavailable = errors.New("digilocker profile unavailable")

// Profile keeps only the identifier. The rest of the profile body is discarded unread.
type Profile struct {
	DigiLockerID string `json:"digilockerid"`
}

// Client wraps the provider's authorization, token and profile endpoints.
type Client struct {
	oauth      *oauth2.Config
	profileURL string
	httpClient *http.Client
	timeout    time.Duration
}

func NewClient(cfg *config.Config) *Client {
	dl := cfg.DigiLocker
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     dl.ClientID,
			ClientSecret: dl.ClientSecret,
			RedirectURL:  dl.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   dl.AuthURL,
				TokenURL:  dl.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		profileURL: dl.ProfileURL,
		httpClient: &http.Client{Timeout: dl.Timeout},
		timeout:    dl.Timeout,
	}
}

// AuthCodeURL builds the consent URL with an S256 PKCE challenge for verifier.
func (c *Client) AuthCodeURL(state, verifier string) string {
	return c.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (c *Client) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return tok, nil
}

func (c *Client) FetchProfile(ctx context.Context, tok *oauth2.Token) (*Profile, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.profileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}

	resp, err := c.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrProfileUnavailable, resp.StatusCode)
	}

	var p Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}
	return &p, nil
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
