package digilocker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"identity-service/internal/apperror"
	"identity-service/internal/models"
	"identity-service/internal/repository"
)

const stateBytes = 32

// Provider is the OAuth surface the broker drives. *Client implements it.
type Provider interface {
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	FetchProfile(ctx context.Context, tok *oauth2.Token) (*Profile, error)
}

// Sealer encrypts the provider access token before it leaves the broker.
type Sealer interface {
	Seal(ctx context.Context, plaintext string) (*models.SealedCredential, error)
}

type Authorization struct {
	AuthorizationURL string
	State            string
	ExpiresInSeconds int
}

type CallbackResult struct {
	UserID    string
	SessionID string
	Sealed    *models.SealedCredential
}

// CallbackError carries the user a failed callback belonged to, when the state was known.
type CallbackError struct {
	UserID string
	Reason string
	Err    *apperror.Error
}

func (e *CallbackError) Error() string { return e.Reason + ": " + e.Err.Error() }
func (e *CallbackError) Unwrap() error { return e.Err }

// Broker binds authorization requests to callbacks through single-use state values.
type Broker struct {
	states   repository.StateStore
	provider Provider
	sealer   Sealer
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewBroker(states repository.StateStore, provider Provider, sealer Sealer, ttl time.Duration, logger *zap.Logger) *Broker {
	return &Broker{
		states:   states,
		provider: provider,
		sealer:   sealer,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
	}
}

func (b *Broker) WithClock(now func() time.Time) *Broker {
	b.now = now
	return b
}

// Initiate starts an authorization for the user. sessionID is the login session the callback continues.
func (b *Broker) Initiate(ctx context.Context, userID, sessionID string) (*Authorization, error) {
	if userID == "" {
		return nil, apperror.Unauthorized()
	}

	now := b.now().UTC()
	verifier := oauth2.GenerateVerifier()

	// A collision on 256 random bits means the reader is broken; one retry is enough to surface that.
	for i := 0; i < 2; i++ {
		state, err := newState()
		if err != nil {
			return nil, apperror.Internal(err)
		}

		err = b.states.Save(ctx, &models.OAuthState{
			State:        state,
			UserID:       userID,
			SessionID:    sessionID,
			CodeVerifier: verifier,
			CreatedAt:    now,
			ExpiresAt:    now.Add(b.ttl),
		}, b.ttl)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, apperror.Internal(fmt.Errorf("save oauth state: %w", err))
		}

		return &Authorization{
			AuthorizationURL: b.provider.AuthCodeURL(state, verifier),
			State:            state,
			ExpiresInSeconds: int(b.ttl.Seconds()),
		}, nil
	}
	return nil, apperror.Internal(errors.New("could not allocate a unique oauth state"))
}

// HandleCallback completes the flow. The state is consumed before anything else is trusted,
// so a replayed or forged callback never reaches the token endpoint.
func (b *Broker) HandleCallback(ctx context.Context, code, state, providerError string) (*CallbackResult, error) {
	if providerError != "" {
		userID := ""
		if state != "" {
			if claimed, err := b.states.Claim(ctx, state); err == nil {
				userID = claimed.UserID
			}
		}
		return nil, &CallbackError{UserID: userID, Reason: "provider_error", Err: apperror.VerificationFailed()}
	}

	if state == "" {
		return nil, &CallbackError{Reason: "missing_state", Err: apperror.StateMismatch()}
	}

	claimed, err := b.states.Claim(ctx, state)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &CallbackError{Reason: "unknown_state", Err: apperror.StateMismatch()}
	}
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("claim oauth state: %w", err))
	}

	fail := func(reason string, cause error) error {
		b.logger.Warn("DigiLocker callback failed",
			zap.String("user_id", claimed.UserID),
			zap.String("reason", reason),
			zap.Error(cause))
		return &CallbackError{UserID: claimed.UserID, Reason: reason, Err: apperror.VerificationFailed()}
	}

	if code == "" {
		return nil, fail("missing_code", nil)
	}

	tok, err := b.provider.Exchange(ctx, code, claimed.CodeVerifier)
	if err != nil {
		return nil, fail("token_exchange", err)
	}
	if tok.AccessToken == "" {
		return nil, fail("empty_token", nil)
	}

	profile, err := b.provider.FetchProfile(ctx, tok)
	if err != nil {
		return nil, fail("profile_fetch", err)
	}
	if profile.DigiLockerID == "" {
		return nil, fail("profile_without_id", nil)
	}

	sealed, err := b.sealer.Seal(ctx, tok.AccessToken)
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("seal digilocker token: %w", err))
	}

	return &CallbackResult{UserID: claimed.UserID, SessionID: claimed.SessionID, Sealed: sealed}, nil
}

func newState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
