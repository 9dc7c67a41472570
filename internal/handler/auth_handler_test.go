package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"identity-service/internal/bucketing"
	"identity-service/internal/config"
	"identity-service/internal/digilocker"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/liveness"
	"identity-service/internal/models"
	"identity-service/internal/repository/memory"
	"identity-service/internal/service"
)

const testCode = "135790"

type okProvider struct{}

func (okProvider) Name() string { return "stub" }

func (okProvider) SendCode(context.Context, string) (string, error) { return "ref", nil }

func (okProvider) Confirm(_ context.Context, _ string, c string) (bool, error) {
	return c == testCode, nil
}

type fakeDigiLocker struct{}

func (fakeDigiLocker) AuthCodeURL(state, _ string) string {
	return "https://digilocker.example/authorize?state=" + state
}

func (fakeDigiLocker) Exchange(_ context.Context, c, _ string) (*oauth2.Token, error) {
	if c != "good" {
		return nil, errors.New("invalid_grant")
	}
	return &oauth2.Token{AccessToken: "dl-access"}, nil
}

func (fakeDigiLocker) FetchProfile(context.Context, *oauth2.Token) (*digilocker.Profile, error) {
	return &digilocker.Profile{DigiLockerID: "dl-42"}, nil
}

type passingLiveness struct{}

func (passingLiveness) Confirm(_ context.Context, _, sessionID string) (*liveness.Result, error) {
	return &liveness.Result{SessionID: sessionID, Passed: true, Status: "passed"}, nil
}

type apiFixture struct {
	server *httptest.Server
	audits *memory.AuditStore
}

func newAPIFixture(t *testing.T, health HealthFunc) *apiFixture {
	t.Helper()

	cfg := &config.Config{Environment: "development"}
	cfg.Server.RequestTimeout = 5 * time.Second
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.JWT = config.JWTConfig{Secret: "handler-test-secret", Issuer: "identity-service", Audience: "matrimony-app",
		AccessTokenTTL: 15 * time.Minute, RefreshTokenTTL: 24 * time.Hour}
	cfg.OTP.TTL = 5 * time.Minute
	cfg.OTP.MaxAttempts = 5
	cfg.OTP.RateLimit = 3
	cfg.OTP.RateWindow = time.Hour
	cfg.OTP.ProviderTimeout = time.Second
	cfg.DigiLocker.StateTTL = 15 * time.Minute
	cfg.Audit.SinkTimeout = time.Second
	cfg.Bucketing.UserBuckets, cfg.Bucketing.EventBuckets = 4, 4

	keys, err := encryption.NewLocalKeyService()
	require.NoError(t, err)

	audits := memory.NewAuditStore()
	f, err := service.NewServiceFactory(service.Dependencies{
		Config:   cfg,
		Users:    memory.NewUserStore(),
		OTPs:     memory.NewOTPStore(),
		Sessions: memory.NewSessionStore(),
		Audits:   audits,
		States:   memory.NewStateStore(nil),
		Limiter:  memory.NewRateLimiter(),
		Hasher: hashing.NewHasherWithPeppers(
			hashing.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
			[]*hashing.Pepper{{Value: "pepper", Version: 1}}, []byte("phone-key")),
		PhoneVault:  encryption.NewVault(keys, encryption.PurposePhone),
		TokenVault:  encryption.NewVault(keys, encryption.PurposeDigiLockerToken),
		Bucketing:   bucketing.NewBucketingManager(cfg),
		OTPProvider: okProvider{},
		DigiLocker:  fakeDigiLocker{},
		Liveness:    passingLiveness{},
	}, zap.NewNop())
	require.NoError(t, err)

	h := NewAuthHandler(f.AuthService(), f.Issuer(), zap.NewNop())
	srv := httptest.NewServer(NewRouter(h, health, cfg, zap.NewNop()))
	t.Cleanup(srv.Close)

	return &apiFixture{server: srv, audits: audits}
}

type envelope struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   *ErrorBody             `json:"error"`
}

func (f *apiFixture) call(t *testing.T, method, path, bearer string, body interface{}) (*http.Response, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (f *apiFixture) login(t *testing.T) (access, refresh string) {
	t.Helper()

	resp, env := f.call(t, http.MethodPost, "/auth/phone-otp/send", "", map[string]string{"phone": "+919812345678"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "+91******5678", env.Data["maskedPhone"])
	assert.EqualValues(t, 300, env.Data["expiresInSeconds"])
	assert.EqualValues(t, 5, env.Data["maxAttempts"])

	resp, env = f.call(t, http.MethodPost, "/auth/phone-otp/verify", "",
		map[string]string{"phone": "+919812345678", "otp": testCode})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)
	assert.Equal(t, true, env.Data["isNewUser"])
	return env.Data["accessToken"].(string), env.Data["refreshToken"].(string)
}

func TestPhoneLoginAndAgeGate(t *testing.T) {
	f := newAPIFixture(t, nil)
	access, _ := f.login(t)

	resp, env := f.call(t, http.MethodGet, "/auth/me", access, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "AgeVerificationRequired", env.Error.Code)
	assert.NotEmpty(t, env.Error.MessageLocalized)

	resp, env = f.call(t, http.MethodPost, "/auth/age-verify", access, map[string]string{"dateOfBirth": "1990-04-12"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, env.Data["isAgeVerified"])

	resp, env = f.call(t, http.MethodGet, "/auth/me", access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := env.Data["user"].(map[string]interface{})
	assert.Equal(t, "+91******5678", user["phoneMasked"])
	assert.Equal(t, "bronze", user["tier"])
	assert.Equal(t, true, user["isAgeVerified"])
}

func TestUnderageRejected(t *testing.T) {
	f := newAPIFixture(t, nil)
	access, _ := f.login(t)

	dob := time.Now().AddDate(-16, 0, 0).Format("2006-01-02")
	resp, env := f.call(t, http.MethodPost, "/auth/age-verify", access, map[string]string{"dateOfBirth": dob})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "AgeRestrictionViolation", env.Error.Code)
	assert.EqualValues(t, 16, env.Error.Meta["providedAge"])
	assert.EqualValues(t, 18, env.Error.Meta["requiredAge"])
	assert.Equal(t, 1, f.audits.Count(models.EventAgeVerificationFailed))
}

func TestInvalidPhoneFormat(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, bad := range []string{"9812345678", "+91 98123-45678"} {
		resp, env := f.call(t, http.MethodPost, "/auth/phone-otp/send", "", map[string]string{"phone": bad})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
		assert.Equal(t, "InvalidPhoneFormat", env.Error.Code, bad)
	}

	resp, env := f.call(t, http.MethodPost, "/auth/phone-otp/send", "", map[string]string{"phone": "12345"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, env.Success)
	assert.Equal(t, "InvalidPhoneFormat", env.Error.Code)
	assert.Equal(t, "Please enter a valid Indian mobile number", env.Error.Message)
}

func TestSendRateLimitedWithRetryAfter(t *testing.T) {
	f := newAPIFixture(t, nil)
	body := map[string]string{"phone": "+919812345678"}

	for i := 0; i < 3; i++ {
		resp, _ := f.call(t, http.MethodPost, "/auth/phone-otp/send", "", body)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, env := f.call(t, http.MethodPost, "/auth/phone-otp/send", "", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RateLimitExceeded", env.Error.Code)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestWrongOTPReportsRemainingAttempts(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, _ = f.call(t, http.MethodPost, "/auth/phone-otp/send", "", map[string]string{"phone": "+919812345678"})

	resp, env := f.call(t, http.MethodPost, "/auth/phone-otp/verify", "",
		map[string]string{"phone": "+919812345678", "otp": "000000"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "OtpVerificationFailed", env.Error.Code)
	assert.EqualValues(t, 4, env.Error.Meta["remainingAttempts"])
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, path := range []string{"/auth/digilocker/init", "/auth/me"} {
		resp, env := f.call(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "Unauthorized", env.Error.Code, path)
	}

	resp, _ := f.call(t, http.MethodPost, "/auth/logout", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDigiLockerFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	access, _ := f.login(t)

	resp, env := f.call(t, http.MethodGet, "/auth/digilocker/init", access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := env.Data["state"].(string)
	assert.Contains(t, env.Data["authorizationUrl"], state)
	assert.EqualValues(t, 900, env.Data["expiresInSeconds"])

	resp, env = f.call(t, http.MethodGet, "/auth/digilocker/callback?code=good&state=forged", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "StateMismatch", env.Error.Code)

	resp, env = f.call(t, http.MethodGet, "/auth/digilocker/callback?code=good&state="+state, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := env.Data["user"].(map[string]interface{})
	assert.EqualValues(t, 2, user["verificationLevel"])
	assert.Equal(t, true, env.Data["upgraded"])

	// state is single use
	resp, env = f.call(t, http.MethodGet, "/auth/digilocker/callback?code=good&state="+state, "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "StateMismatch", env.Error.Code)

	assert.Equal(t, 2, f.audits.Count(models.EventStateMismatch))
}

func TestVideoSelfieRequiresConsent(t *testing.T) {
	f := newAPIFixture(t, nil)
	access, _ := f.login(t)

	resp, env := f.call(t, http.MethodPost, "/auth/video-selfie/complete", access,
		map[string]string{"livenessSessionId": "live-9"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "ConsentRequired", env.Error.Code)

	resp, _ = f.call(t, http.MethodPost, "/auth/consent", access, map[string]string{"consentVersion": "2025-01"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = f.call(t, http.MethodPost, "/auth/video-selfie/complete", access, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidRequest", env.Error.Code)

	resp, env = f.call(t, http.MethodPost, "/auth/video-selfie/complete", access,
		map[string]string{"livenessSessionId": "live-9"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, env.Data["upgraded"])
	// Phone plus liveness: two proofs, DigiLocker still missing.
	user := env.Data["user"].(map[string]interface{})
	assert.EqualValues(t, 2, user["verificationLevel"])
	assert.Equal(t, "silver", user["tier"])
}

func TestRefreshAndLogout(t *testing.T) {
	f := newAPIFixture(t, nil)
	access, refresh := f.login(t)

	resp, env := f.call(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, env.Data["accessToken"])

	resp, env = f.call(t, http.MethodPost, "/auth/consent", access, map[string]string{"consentVersion": "2025-01"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2025-01", env.Data["user"].(map[string]interface{})["consentVersion"])

	resp, env = f.call(t, http.MethodPost, "/auth/logout", access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, env.Data["revokedSessions"])

	resp, env = f.call(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refresh})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "RefreshTokenInvalid", env.Error.Code)
}

func TestHealthAndFallbacks(t *testing.T) {
	f := newAPIFixture(t, func(context.Context) map[string]error {
		return map[string]error{"scylla": nil, "redis": errors.New("connection refused")}
	})

	resp, env := f.call(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", env.Data["status"])
	checks := env.Data["checks"].(map[string]interface{})
	assert.Equal(t, "healthy", checks["scylla"])
	assert.Equal(t, "unhealthy", checks["redis"])

	resp, env = f.call(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", env.Error.Code)

	resp, env = f.call(t, http.MethodPost, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "MethodNotAllowed", env.Error.Code)
}
