package token

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/apperror"
	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/repository/memory"
)

type issuerFixture struct {
	issuer   *Issuer
	users    *memory.UserStore
	sessions *memory.SessionStore
	audits   *memory.AuditStore
	now      time.Time
	user     *models.User
}

func newIssuerFixture(t *testing.T) *issuerFixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.Bucketing.UserBuckets, cfg.Bucketing.EventBuckets = 4, 4

	f := &issuerFixture{
		users:    memory.NewUserStore(),
		sessions: memory.NewSessionStore(),
		audits:   memory.NewAuditStore(),
		now:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	hasher := hashing.NewHasherWithPeppers(
		hashing.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		[]*hashing.Pepper{{Value: "pepper", Version: 1}},
		[]byte("phone-key"))
	recorder := audit.NewRecorder(f.audits, bucketing.NewBucketingManager(cfg), time.Second, zap.NewNop())

	f.issuer = NewIssuer(f.sessions, f.users, hasher, recorder, Options{
		Secret:     []byte("test-secret-test-secret-test-sec"),
		Issuer:     "identity-service",
		Audience:   "matrimony-app",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, zap.NewNop()).WithClock(func() time.Time { return f.now })

	u, _, err := f.users.CreateWithPhone(context.Background(), &models.User{PhoneHash: "h", VerificationLevel: models.LevelBronze})
	require.NoError(t, err)
	f.user = u
	return f
}

func TestMintEmbedsLevel(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.Mint(ctx, f.user, models.DeviceContext{DeviceInfo: "Pixel 8", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(15*time.Minute), pair.AccessExpiresAt)
	assert.Equal(t, f.now.Add(7*24*time.Hour), pair.RefreshExpiresAt)

	claims, err := f.issuer.ParseAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.user.UserID, claims.Subject)
	assert.Equal(t, models.LevelBronze, claims.Level)
	assert.Equal(t, pair.SessionID, claims.SessionID)

	session, err := f.sessions.Get(ctx, f.user.UserID, pair.SessionID)
	require.NoError(t, err)
	assert.NotContains(t, session.RefreshTokenHash, pair.RefreshToken)
	assert.Equal(t, "Pixel 8", session.DeviceInfo)
	assert.False(t, session.IsRevoked)

	stored, err := f.users.GetByID(ctx, f.user.UserID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLoginAt)
}

func TestParseAccessRejects(t *testing.T) {
	f := newIssuerFixture(t)
	pair, err := f.issuer.Mint(context.Background(), f.user, models.DeviceContext{})
	require.NoError(t, err)

	_, err = f.issuer.ParseAccess(pair.RefreshToken)
	assert.True(t, apperror.HasCode(err, apperror.CodeUnauthorized), "refresh token is not an access token")

	_, err = f.issuer.ParseAccess(pair.AccessToken + "x")
	assert.True(t, apperror.HasCode(err, apperror.CodeUnauthorized))

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: f.issuer.registered(f.user.UserID, f.now, f.now.Add(time.Hour)),
		SessionID:        "s",
		Level:            models.LevelGold,
		TokenType:        TypeAccess,
	}).SignedString([]byte("another-secret"))
	require.NoError(t, err)
	_, err = f.issuer.ParseAccess(forged)
	assert.True(t, apperror.HasCode(err, apperror.CodeUnauthorized))

	f.now = f.now.Add(16 * time.Minute)
	_, err = f.issuer.ParseAccess(pair.AccessToken)
	assert.True(t, apperror.HasCode(err, apperror.CodeUnauthorized))
}

func TestRefreshReflectsCurrentLevel(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.Mint(ctx, f.user, models.DeviceContext{})
	require.NoError(t, err)

	_, err = f.users.RaiseVerificationLevel(ctx, f.user.UserID, models.LevelSilver)
	require.NoError(t, err)

	old, err := f.issuer.ParseAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, models.LevelBronze, old.Level, "issued tokens keep the level they were minted with")

	f.now = f.now.Add(time.Hour)
	access, err := f.issuer.Refresh(ctx, pair.RefreshToken, audit.Event{})
	require.NoError(t, err)
	assert.Equal(t, models.LevelSilver, access.Level)

	claims, err := f.issuer.ParseAccess(access.Token)
	require.NoError(t, err)
	assert.Equal(t, models.LevelSilver, claims.Level)
	assert.Equal(t, pair.SessionID, claims.SessionID)
}

func TestRefreshFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *issuerFixture, pair *TokenPair) string
	}{
		{"garbage", func(t *testing.T, f *issuerFixture, pair *TokenPair) string {
			return "not-a-token"
		}},
		{"access token", func(t *testing.T, f *issuerFixture, pair *TokenPair) string {
			return pair.AccessToken
		}},
		{"expired", func(t *testing.T, f *issuerFixture, pair *TokenPair) string {
			f.now = f.now.Add(8 * 24 * time.Hour)
			return pair.RefreshToken
		}},
		{"revoked", func(t *testing.T, f *issuerFixture, pair *TokenPair) string {
			_, err := f.issuer.RevokeAll(context.Background(), f.user.UserID)
			require.NoError(t, err)
			return pair.RefreshToken
		}},
		{"unknown session", func(t *testing.T, f *issuerFixture, pair *TokenPair) string {
			signed, err := f.issuer.sign(Claims{
				RegisteredClaims: f.issuer.registered(f.user.UserID, f.now, f.now.Add(time.Hour)),
				SessionID:        "missing",
				TokenType:        TypeRefresh,
			})
			require.NoError(t, err)
			return signed
		}},
		{"replaced token on same session", func(t *testing.T, f *issuerFixture, pair *TokenPair) string {
			signed, err := f.issuer.sign(Claims{
				RegisteredClaims: f.issuer.registered(f.user.UserID, f.now, f.now.Add(time.Hour)),
				SessionID:        pair.SessionID,
				TokenType:        TypeRefresh,
			})
			require.NoError(t, err)
			return signed
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIssuerFixture(t)
			pair, err := f.issuer.Mint(context.Background(), f.user, models.DeviceContext{})
			require.NoError(t, err)

			_, err = f.issuer.Refresh(context.Background(), tt.setup(t, f, pair), audit.Event{})
			appErr := apperror.From(err)
			require.NotNil(t, appErr)
			assert.Equal(t, apperror.CodeRefreshTokenInvalid, appErr.Code)
			assert.Equal(t, 403, appErr.Status)
			assert.Equal(t, 1, f.audits.Count(models.EventRefreshTokenInvalid))
		})
	}
}

func TestRevokeAllKeepsRows(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.issuer.Mint(ctx, f.user, models.DeviceContext{})
		require.NoError(t, err)
	}

	n, err := f.issuer.RevokeAll(ctx, f.user.UserID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sessions, err := f.sessions.ListByUser(ctx, f.user.UserID)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	for _, s := range sessions {
		assert.True(t, s.IsRevoked)
		assert.NotNil(t, s.RevokedAt)
	}

	n, err = f.issuer.RevokeAll(ctx, f.user.UserID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMintAccessRequiresActiveSession(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.Mint(ctx, f.user, models.DeviceContext{})
	require.NoError(t, err)

	access, err := f.issuer.MintAccess(ctx, f.user, pair.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.LevelBronze, access.Level)

	_, err = f.issuer.MintAccess(ctx, f.user, "unknown-session")
	assert.True(t, apperror.HasCode(err, apperror.CodeUnauthorized))

	_, err = f.issuer.RevokeAll(ctx, f.user.UserID)
	require.NoError(t, err)
	_, err = f.issuer.MintAccess(ctx, f.user, pair.SessionID)
	assert.True(t, apperror.HasCode(err, apperror.CodeUnauthorized))
}

func TestOptionsFrom(t *testing.T) {
	cfg := &config.Config{Environment: "development"}
	opts, err := OptionsFrom(cfg)
	require.NoError(t, err)
	assert.Len(t, opts.Secret, 32)

	cfg.Environment = "production"
	_, err = OptionsFrom(cfg)
	assert.Error(t, err)
}
