// Package token mints access and refresh tokens and keeps refresh-token custody in session rows.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/apperror"
	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims carry the verification level as of minting. A tier upgrade shows up at the next refresh.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Level     int    `json:"vl"`
	TokenType string `json:"typ"`
}

type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

type AccessToken struct {
	Token     string
	ExpiresAt time.Time
	Level     int
}

// RefreshHasher is the part of hashing.Hasher used for refresh-token custody.
type RefreshHasher interface {
	HashRefreshToken(token string) (string, error)
	VerifyRefreshToken(token, encoded string) (bool, error)
}

type Options struct {
	Secret     []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// OptionsFrom reads the JWT settings. Outside production an empty secret is replaced by a random one.
func OptionsFrom(cfg *config.Config) (Options, error) {
	secret := []byte(cfg.JWT.Secret)
	if len(secret) == 0 {
		if cfg.IsProduction() {
			return Options{}, errors.New("JWT secret is required in production")
		}
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return Options{}, fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		util.Warn("JWT_SECRET not set; using an ephemeral secret, tokens will not survive a restart")
	}
	return Options{
		Secret:     secret,
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		AccessTTL:  cfg.JWT.AccessTokenTTL,
		RefreshTTL: cfg.JWT.RefreshTokenTTL,
	}, nil
}

type Issuer struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	hasher   RefreshHasher
	recorder *audit.Recorder
	opts     Options
	now      func() time.Time
	logger   *zap.Logger
}

func NewIssuer(sessions repository.SessionRepository, users repository.UserRepository, hasher RefreshHasher, recorder *audit.Recorder, opts Options, logger *zap.Logger) *Issuer {
	return &Issuer{
		sessions: sessions,
		users:    users,
		hasher:   hasher,
		recorder: recorder,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Mint opens a new session for the device and returns both tokens.
func (i *Issuer) Mint(ctx context.Context, user *models.User, device models.DeviceContext) (*TokenPair, error) {
	now := i.now().UTC()
	sessionID := uuid.New().String()
	refreshExp := now.Add(i.opts.RefreshTTL)

	refresh, err := i.sign(Claims{
		RegisteredClaims: i.registered(user.UserID, now, refreshExp),
		SessionID:        sessionID,
		TokenType:        TypeRefresh,
	})
	if err != nil {
		return nil, apperror.Internal(err)
	}

	hash, err := i.hasher.HashRefreshToken(refresh)
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("hash refresh token: %w", err))
	}

	if err := i.sessions.Create(ctx, &models.Session{
		UserID:           user.UserID,
		SessionID:        sessionID,
		RefreshTokenHash: hash,
		DeviceInfo:       util.SanitizeInput(device.DeviceInfo),
		IPAddress:        device.IPAddress,
		UserAgent:        util.TruncateUserAgent(device.UserAgent),
		ExpiresAt:        refreshExp,
		CreatedAt:        now,
	}); err != nil {
		return nil, apperror.Internal(fmt.Errorf("create session: %w", err))
	}

	access, err := i.mintAccess(user, sessionID, now)
	if err != nil {
		return nil, err
	}

	if err := i.users.UpdateLastLogin(ctx, user.UserID, now); err != nil {
		i.logger.Warn("Failed to update last login", zap.String("user_id", user.UserID), zap.Error(err))
	}

	return &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh,
		SessionID:        sessionID,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// MintAccess issues an access token on an existing session, e.g. right after a tier upgrade.
// Revoked or expired sessions get Unauthorized.
func (i *Issuer) MintAccess(ctx context.Context, user *models.User, sessionID string) (*AccessToken, error) {
	if err := i.RequireActiveSession(ctx, user.UserID, sessionID); err != nil {
		return nil, err
	}
	return i.mintAccess(user, sessionID, i.now().UTC())
}

// RequireActiveSession checks that the session exists and has not been revoked or expired.
func (i *Issuer) RequireActiveSession(ctx context.Context, userID, sessionID string) error {
	if sessionID == "" {
		return apperror.Unauthorized()
	}
	session, err := i.sessions.Get(ctx, userID, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperror.Unauthorized()
	}
	if err != nil {
		return apperror.Internal(fmt.Errorf("load session: %w", err))
	}
	if !session.IsActive(i.now()) {
		i.logger.Warn("Access token refused for inactive session",
			zap.String("user_id", userID),
			zap.String("session_id", sessionID))
		return apperror.Unauthorized()
	}
	return nil
}

func (i *Issuer) mintAccess(user *models.User, sessionID string, now time.Time) (*AccessToken, error) {
	exp := now.Add(i.opts.AccessTTL)
	signed, err := i.sign(Claims{
		RegisteredClaims: i.registered(user.UserID, now, exp),
		SessionID:        sessionID,
		Level:            user.VerificationLevel,
		TokenType:        TypeAccess,
	})
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return &AccessToken{Token: signed, ExpiresAt: exp, Level: user.VerificationLevel}, nil
}

// Refresh validates the refresh token against its session and mints an access token at the user's current level.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string, meta audit.Event) (*AccessToken, error) {
	claims, err := i.parse(refreshToken, TypeRefresh)
	if err != nil {
		return nil, i.rejectRefresh(ctx, "", "invalid_token", meta)
	}
	userID := claims.Subject

	session, err := i.sessions.Get(ctx, userID, claims.SessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, i.rejectRefresh(ctx, userID, "unknown_session", meta)
	}
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("load session: %w", err))
	}
	if !session.IsActive(i.now()) {
		return nil, i.rejectRefresh(ctx, userID, "inactive_session", meta)
	}

	ok, err := i.hasher.VerifyRefreshToken(refreshToken, session.RefreshTokenHash)
	if err != nil || !ok {
		return nil, i.rejectRefresh(ctx, userID, "hash_mismatch", meta)
	}

	user, err := i.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, i.rejectRefresh(ctx, userID, "user_missing", meta)
	}
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("load user: %w", err))
	}

	return i.mintAccess(user, session.SessionID, i.now().UTC())
}

// RevokeAll flags every session of the user. Rows stay for device history.
func (i *Issuer) RevokeAll(ctx context.Context, userID string) (int, error) {
	n, err := i.sessions.RevokeAll(ctx, userID, i.now().UTC())
	if err != nil {
		return 0, apperror.Internal(fmt.Errorf("revoke sessions: %w", err))
	}
	i.logger.Info("Sessions revoked", zap.String("user_id", userID), zap.Int("count", n))
	return n, nil
}

// ParseAccess validates an access token. Every failure maps to Unauthorized.
func (i *Issuer) ParseAccess(tokenString string) (*Claims, error) {
	claims, err := i.parse(tokenString, TypeAccess)
	if err != nil {
		return nil, apperror.Unauthorized().WithCause(err)
	}
	return claims, nil
}

func (i *Issuer) parse(tokenString, tokenType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.opts.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.opts.Issuer),
		jwt.WithAudience(i.opts.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenType || claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("unexpected %s token claims", tokenType)
	}
	return claims, nil
}

func (i *Issuer) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.opts.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) registered(subject string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   subject,
		Issuer:    i.opts.Issuer,
		Audience:  jwt.ClaimStrings{i.opts.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
}

func (i *Issuer) rejectRefresh(ctx context.Context, userID, reason string, meta audit.Event) error {
	meta.Type = models.EventRefreshTokenInvalid
	meta.UserID = userID
	meta.EntityType = "session"
	meta.Action = "refresh"
	meta.Metadata = map[string]interface{}{"reason": reason}
	if err := i.recorder.Record(ctx, meta); err != nil {
		return apperror.Internal(err)
	}

	i.logger.Warn("Refresh token rejected", zap.String("user_id", userID), zap.String("reason", reason))
	return apperror.RefreshTokenInvalid()
}
