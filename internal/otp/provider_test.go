package otp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/repository/memory"
)

type capturingSender struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (s *capturingSender) Send(_ context.Context, _ string, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.bodies = append(s.bodies, body)
	return nil
}

var deliveredCode = regexp.MustCompile(`code is ([0-9]{6})\.`)

func newHashedProvider(sender Sender) (*HashedCodeProvider, *memory.CodeStore) {
	hasher := hashing.NewHasherWithPeppers(
		hashing.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		[]*hashing.Pepper{{Value: "pepper", Version: 1}},
		[]byte("phone-key"))
	codes := memory.NewCodeStore(nil)
	return NewHashedCodeProvider(codes, hasher, sender, 5*time.Minute, zap.NewNop()), codes
}

func TestHashedCodeProviderRoundTrip(t *testing.T) {
	sender := &capturingSender{}
	p, codes := newHashedProvider(sender)
	ctx := context.Background()

	ref, err := p.SendCode(ctx, testPhone)
	require.NoError(t, err)
	require.Len(t, sender.bodies, 1)

	m := deliveredCode.FindStringSubmatch(sender.bodies[0])
	require.Len(t, m, 2)
	code := m[1]

	stored, err := codes.Get(ctx, ref)
	require.NoError(t, err)
	assert.NotContains(t, stored, code)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	ok, err := p.Confirm(ctx, ref, wrong)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Confirm(ctx, ref, code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Confirm(ctx, ref, code)
	require.NoError(t, err)
	assert.False(t, ok, "a confirmed code is single use")
}

func TestHashedCodeProviderDeliveryFailure(t *testing.T) {
	sender := &capturingSender{err: errors.New("gateway down")}
	p, _ := newHashedProvider(sender)

	_, err := p.SendCode(context.Background(), testPhone)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestLogSenderRefusedInProduction(t *testing.T) {
	_, err := NewLogSender("production", zap.NewNop())
	assert.Error(t, err)

	s, err := NewLogSender("development", zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, s.Send(context.Background(), testPhone, "hello"))
}

func TestTwilioSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/Accounts/AC123/Messages.json", r.URL.Path)
		require.NoError(t, r.ParseForm())
		got = map[string]string{"To": r.PostForm.Get("To"), "From": r.PostForm.Get("From")}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "SM1", "status": "queued"})
	}))
	defer srv.Close()

	s, err := NewTwilioSender("AC123", "secret", "+15005550006", time.Second, zap.NewNop())
	require.NoError(t, err)
	s.baseURL = srv.URL

	require.NoError(t, s.Send(context.Background(), testPhone, "code"))
	assert.Equal(t, testPhone, got["To"])
	assert.Equal(t, "+15005550006", got["From"])

	assert.Error(t, s.Send(context.Background(), "9876543210", "code"))
}

func newMSG91(t *testing.T, handler http.HandlerFunc) *MSG91Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.OTP.MSG91BaseURL = srv.URL
	cfg.OTP.MSG91AuthKey = "auth-key"
	cfg.OTP.MSG91TemplateID = "tmpl"
	cfg.OTP.ProviderTimeout = 200 * time.Millisecond

	p, err := NewMSG91Provider(cfg, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestMSG91SendAndConfirm(t *testing.T) {
	p := newMSG91(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "auth-key", r.Header.Get("authkey"))
		assert.Equal(t, "919876543210", r.URL.Query().Get("mobile"))

		switch r.URL.Path {
		case "/otp":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "tmpl", r.URL.Query().Get("template_id"))
			_ = json.NewEncoder(w).Encode(msg91Response{Type: "success", RequestID: "req-1"})
		case "/otp/verify":
			if r.URL.Query().Get("otp") == goodCode {
				_ = json.NewEncoder(w).Encode(msg91Response{Type: "success", Message: "OTP verified success"})
				return
			}
			_ = json.NewEncoder(w).Encode(msg91Response{Type: "error", Message: "OTP not match"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	ref, err := p.SendCode(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, "919876543210:req-1", ref)

	ok, err := p.Confirm(ctx, ref, "000000")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Confirm(ctx, ref, goodCode)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMSG91Unavailable(t *testing.T) {
	p := newMSG91(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/otp/verify" {
			time.Sleep(500 * time.Millisecond)
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx := context.Background()

	_, err := p.SendCode(ctx, testPhone)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	_, err = p.Confirm(ctx, "919876543210:req-1", goodCode)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
