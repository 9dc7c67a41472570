package otp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/apperror"
	"identity-service/internal/config"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const rateLimitPrefix = "otp_issue:"

// PhoneHasher derives the lookup key a phone number is stored under.
type PhoneHasher interface {
	PhoneLookupHash(phone string) string
}

type LedgerConfig struct {
	TTL             time.Duration
	MaxAttempts     int
	RateLimit       int
	RateWindow      time.Duration
	ProviderTimeout time.Duration
}

func LedgerConfigFrom(cfg *config.Config) LedgerConfig {
	return LedgerConfig{
		TTL:             cfg.OTP.TTL,
		MaxAttempts:     cfg.OTP.MaxAttempts,
		RateLimit:       cfg.OTP.RateLimit,
		RateWindow:      cfg.OTP.RateWindow,
		ProviderTimeout: cfg.OTP.ProviderTimeout,
	}
}

// RequestMeta is the client context recorded on an issued request.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

type Challenge struct {
	ChallengeID       string
	PhoneHash         string
	ExpiresInSeconds  int
	MaxAttempts       int
	RemainingAttempts int
	MaskedPhone       string
	Reissued          bool
}

// VerifiedIdentity is the result of a consumed challenge.
type VerifiedIdentity struct {
	Phone       string
	PhoneHash   string
	ChallengeID string
	VerifiedAt  time.Time
}

// Ledger owns the lifecycle of OTP requests. Every state change is a conditional write,
// so concurrent Issue and Consume calls on the same phone stay consistent without locks.
type Ledger struct {
	otps     repository.OTPRepository
	limiter  repository.RateLimiter
	provider Provider
	hasher   PhoneHasher
	cfg      LedgerConfig
	now      func() time.Time
	logger   *zap.Logger
}

func NewLedger(otps repository.OTPRepository, limiter repository.RateLimiter, provider Provider, hasher PhoneHasher, cfg LedgerConfig, logger *zap.Logger) *Ledger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxAttempts
	}
	return &Ledger{
		otps:     otps,
		limiter:  limiter,
		provider: provider,
		hasher:   hasher,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Issue(ctx context.Context, rawPhone string, meta RequestMeta) (*Challenge, error) {
	phone, ok := NormalizePhone(rawPhone)
	if !ok {
		return nil, apperror.InvalidPhoneFormat()
	}
	phoneHash := l.hasher.PhoneLookupHash(phone)
	now := l.now().UTC()

	latest, err := l.latest(ctx, phoneHash)
	if err != nil {
		return nil, err
	}
	// An exhausted live request is refused before it can use up a window slot.
	if latest != nil && latest.IsLive(now) && latest.AttemptCount >= latest.MaxAttempts {
		return nil, apperror.MaxAttemptsExceeded()
	}

	allowed, retryAfter, err := l.limiter.Allow(ctx, rateLimitPrefix+phoneHash, l.cfg.RateLimit, l.cfg.RateWindow, now)
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("rate limiter: %w", err))
	}
	if !allowed {
		return nil, apperror.RateLimitExceeded(int(math.Ceil(retryAfter.Seconds())))
	}

	var ref string
	if latest != nil {
		if latest.IsLive(now) {
			var ch *Challenge
			ch, ref, err = l.reissue(ctx, phone, latest, now)
			if err != nil || ch != nil {
				return ch, err
			}
		} else if l.expireIfDue(ctx, latest, now) {
			l.logger.Debug("Flagged expired OTP request", zap.String("otp_id", latest.OTPID))
		}
	}

	// A code already sent for a request consumed meanwhile moves to the new request.
	if ref == "" {
		if ref, err = l.send(ctx, phone); err != nil {
			return nil, err
		}
	}

	req := &models.OTPRequest{
		PhoneHash:    phoneHash,
		Provider:     l.provider.Name(),
		ProviderRef:  ref,
		AttemptCount: 0,
		MaxAttempts:  l.cfg.MaxAttempts,
		ExpiresAt:    now.Add(l.cfg.TTL),
		IPAddress:    meta.IPAddress,
		UserAgent:    util.TruncateUserAgent(meta.UserAgent),
		CreatedAt:    now,
	}
	if err := l.otps.Create(ctx, req); err != nil {
		return nil, apperror.Internal(fmt.Errorf("create otp request: %w", err))
	}

	l.logger.Info("OTP issued", util.Phone("phone", phone), zap.String("otp_id", req.OTPID))
	return l.challenge(phone, req, now, false), nil
}

// reissue re-sends a code on a live request. It returns a nil challenge when the request
// was consumed in the meantime and a fresh request should be created instead, along with
// the provider reference if a code already went out.
func (l *Ledger) reissue(ctx context.Context, phone string, req *models.OTPRequest, now time.Time) (*Challenge, string, error) {
	current, err := l.reserve(ctx, req, now)
	if err != nil {
		return nil, "", err
	}
	if current == nil {
		return nil, "", nil
	}

	ref, err := l.send(ctx, phone)
	if err != nil {
		return nil, "", err
	}

	expiresAt := now.Add(l.cfg.TTL)
	applied, err := l.otps.Reissue(ctx, current.PhoneHash, current.OTPID, ref, expiresAt)
	if err != nil {
		return nil, "", apperror.Internal(fmt.Errorf("reissue otp request: %w", err))
	}
	if !applied {
		return nil, ref, nil
	}

	current.ProviderRef = ref
	current.ExpiresAt = expiresAt
	current.AttemptCount++

	l.logger.Info("OTP reissued", util.Phone("phone", phone), zap.String("otp_id", current.OTPID),
		zap.Int("attempt_count", current.AttemptCount))
	return l.challenge(phone, current, now, true), ref, nil
}

func (l *Ledger) Consume(ctx context.Context, rawPhone, code string) (*VerifiedIdentity, error) {
	phone, ok := NormalizePhone(rawPhone)
	if !ok {
		return nil, apperror.InvalidPhoneFormat()
	}
	phoneHash := l.hasher.PhoneLookupHash(phone)
	now := l.now().UTC()

	req, err := l.latest(ctx, phoneHash)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperror.OtpExpired()
	}
	if !req.IsLive(now) {
		l.expireIfDue(ctx, req, now)
		return nil, apperror.OtpExpired()
	}
	if req.AttemptCount >= req.MaxAttempts {
		return nil, apperror.MaxAttemptsExceeded()
	}

	if !ValidCodeShape(code) {
		return nil, l.failAttempt(ctx, req, now)
	}

	pctx, cancel := l.providerContext(ctx)
	confirmed, err := l.provider.Confirm(pctx, req.ProviderRef, code)
	cancel()
	if err != nil {
		l.logger.Warn("OTP provider confirmation failed", zap.String("otp_id", req.OTPID), zap.Error(err))
		return nil, apperror.ProviderUnavailable().WithCause(err)
	}
	if !confirmed {
		return nil, l.failAttempt(ctx, req, now)
	}

	applied, err := l.otps.MarkUsed(ctx, req.PhoneHash, req.OTPID, now)
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("mark otp used: %w", err))
	}
	if !applied {
		return nil, apperror.OtpExpired()
	}

	l.logger.Info("OTP consumed", util.Phone("phone", phone), zap.String("otp_id", req.OTPID))
	return &VerifiedIdentity{
		Phone:       phone,
		PhoneHash:   phoneHash,
		ChallengeID: req.OTPID,
		VerifiedAt:  now,
	}, nil
}

// failAttempt records a wrong code and reports the attempts left.
func (l *Ledger) failAttempt(ctx context.Context, req *models.OTPRequest, now time.Time) error {
	current, err := l.reserve(ctx, req, now)
	if err != nil {
		return err
	}
	if current == nil {
		return apperror.OtpExpired()
	}
	return apperror.OtpVerificationFailed(current.MaxAttempts - current.AttemptCount - 1)
}

// reserve moves attempt_count up by one with a compare-and-set, re-reading on contention.
// It returns the request as it was before the successful increment, or nil when the
// request stopped being live.
func (l *Ledger) reserve(ctx context.Context, req *models.OTPRequest, now time.Time) (*models.OTPRequest, error) {
	current := req
	for {
		if current.AttemptCount >= current.MaxAttempts {
			return nil, apperror.MaxAttemptsExceeded()
		}

		applied, err := l.otps.ReserveAttempt(ctx, current.PhoneHash, current.OTPID, current.AttemptCount)
		if err != nil {
			return nil, apperror.Internal(fmt.Errorf("reserve otp attempt: %w", err))
		}
		if applied {
			return current, nil
		}

		// attempt_count only grows, so this loop ends within MaxAttempts rounds.
		fresh, err := l.latest(ctx, current.PhoneHash)
		if err != nil {
			return nil, err
		}
		if fresh == nil || fresh.OTPID != current.OTPID || !fresh.IsLive(now) {
			return nil, nil
		}
		current = fresh
	}
}

func (l *Ledger) send(ctx context.Context, phone string) (string, error) {
	pctx, cancel := l.providerContext(ctx)
	defer cancel()

	ref, err := l.provider.SendCode(pctx, phone)
	if err != nil {
		l.logger.Warn("OTP provider send failed", util.Phone("phone", phone), zap.Error(err))
		return "", apperror.ProviderUnavailable().WithCause(err)
	}
	return ref, nil
}

func (l *Ledger) latest(ctx context.Context, phoneHash string) (*models.OTPRequest, error) {
	req, err := l.otps.Latest(ctx, phoneHash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("load otp request: %w", err))
	}
	return req, nil
}

// expireIfDue flags a timed-out request. Losing the race to another writer is fine.
func (l *Ledger) expireIfDue(ctx context.Context, req *models.OTPRequest, now time.Time) bool {
	if req.IsUsed || req.IsExpired || now.Before(req.ExpiresAt) {
		return false
	}
	applied, err := l.otps.MarkExpired(ctx, req.PhoneHash, req.OTPID, now)
	if err != nil {
		l.logger.Warn("Failed to flag expired OTP request", zap.String("otp_id", req.OTPID), zap.Error(err))
		return false
	}
	return applied
}

func (l *Ledger) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.cfg.ProviderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.cfg.ProviderTimeout)
}

func (l *Ledger) challenge(phone string, req *models.OTPRequest, now time.Time, reissued bool) *Challenge {
	return &Challenge{
		ChallengeID:       req.OTPID,
		PhoneHash:         req.PhoneHash,
		ExpiresInSeconds:  int(req.ExpiresAt.Sub(now).Seconds()),
		MaxAttempts:       req.MaxAttempts,
		RemainingAttempts: req.RemainingAttempts(),
		MaskedPhone:       util.MaskPhone(phone),
		Reissued:          reissued,
	}
}
