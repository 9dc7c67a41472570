package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/agegate"
	"identity-service/internal/apperror"
	"identity-service/internal/audit"
	"identity-service/internal/digilocker"
	"identity-service/internal/liveness"
	"identity-service/internal/models"
	"identity-service/internal/otp"
	"identity-service/internal/repository"
	"identity-service/internal/token"
	"identity-service/internal/util"
	"identity-service/internal/verification"
)

// LivenessChecker confirms a vendor video-selfie session for a user.
type LivenessChecker interface {
	Confirm(ctx context.Context, userID, sessionID string) (*liveness.Result, error)
}

// RequestContext is the client information attached to audit rows and sessions.
type RequestContext struct {
	IPAddress  string
	UserAgent  string
	DeviceInfo string
}

func (rc RequestContext) event() audit.Event {
	return audit.Event{IPAddress: rc.IPAddress, UserAgent: rc.UserAgent}
}

func (rc RequestContext) device() models.DeviceContext {
	return models.DeviceContext{DeviceInfo: rc.DeviceInfo, IPAddress: rc.IPAddress, UserAgent: rc.UserAgent}
}

// UserView is the client-facing projection of a user. The raw phone never leaves the service.
type UserView struct {
	UserID              string     `json:"userId"`
	PhoneMasked         string     `json:"phoneMasked"`
	VerificationLevel   int        `json:"verificationLevel"`
	Tier                string     `json:"tier"`
	IsPhoneVerified     bool       `json:"isPhoneVerified"`
	DigiLockerVerified  bool       `json:"digilockerVerified"`
	VideoSelfieVerified bool       `json:"videoSelfieVerified"`
	IsAgeVerified       bool       `json:"isAgeVerified"`
	ConsentVersion      string     `json:"consentVersion,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastLoginAt         *time.Time `json:"lastLoginAt,omitempty"`
}

func NewUserView(u *models.User) UserView {
	return UserView{
		UserID:              u.UserID,
		PhoneMasked:         u.PhoneMasked,
		VerificationLevel:   u.VerificationLevel,
		Tier:                verification.LevelName(u.VerificationLevel),
		IsPhoneVerified:     u.IsPhoneVerified,
		DigiLockerVerified:  u.DigiLockerVerifiedAt != nil,
		VideoSelfieVerified: u.VideoSelfieVerifiedAt != nil,
		IsAgeVerified:       u.IsAgeVerified,
		ConsentVersion:      u.ConsentVersion,
		CreatedAt:           u.CreatedAt,
		LastLoginAt:         u.LastLoginAt,
	}
}

type LoginResult struct {
	User    UserView
	Tokens  *token.TokenPair
	Created bool
}

type TierResult struct {
	User        UserView
	AccessToken *token.AccessToken
	Upgraded    bool
}

// AuthService composes the identity flows. Each flow leaves no partial state on failure:
// tiers move only after their proof succeeded, and tokens are minted last.
type AuthService struct {
	ledger   *otp.Ledger
	machine  *verification.Machine
	broker   *digilocker.Broker
	liveness LivenessChecker
	gate     *agegate.Gate
	issuer   *token.Issuer
	recorder *audit.Recorder
	users    repository.UserRepository
	now      func() time.Time
	logger   *zap.Logger
}

func NewAuthService(
	ledger *otp.Ledger,
	machine *verification.Machine,
	broker *digilocker.Broker,
	livenessChecker LivenessChecker,
	gate *agegate.Gate,
	issuer *token.Issuer,
	recorder *audit.Recorder,
	users repository.UserRepository,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		ledger:   ledger,
		machine:  machine,
		broker:   broker,
		liveness: livenessChecker,
		gate:     gate,
		issuer:   issuer,
		recorder: recorder,
		users:    users,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

func (s *AuthService) SendPhoneOTP(ctx context.Context, phone string, rc RequestContext) (*otp.Challenge, error) {
	ch, err := s.ledger.Issue(ctx, phone, otp.RequestMeta{IPAddress: rc.IPAddress, UserAgent: rc.UserAgent})
	if err != nil {
		return nil, err
	}

	e := rc.event()
	e.Type = models.EventOTPSent
	e.EntityType = "otp_request"
	e.EntityID = ch.ChallengeID
	e.Action = "send"
	e.Metadata = map[string]interface{}{
		"maskedPhone":       ch.MaskedPhone,
		"reissued":          ch.Reissued,
		"remainingAttempts": ch.RemainingAttempts,
	}
	if err := s.record(ctx, e); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *AuthService) VerifyPhoneOTP(ctx context.Context, phone, code string, rc RequestContext) (*LoginResult, error) {
	identity, err := s.ledger.Consume(ctx, phone, code)
	if err != nil {
		if appErr := apperror.From(err); appErr.Kind != apperror.KindInternal {
			e := rc.event()
			e.Type = models.EventOTPFailed
			e.EntityType = "otp_request"
			e.Action = "verify"
			e.Metadata = map[string]interface{}{"maskedPhone": util.MaskPhone(phone), "reason": appErr.Code}
			if remaining, ok := appErr.Meta["remainingAttempts"]; ok {
				e.Metadata["remainingAttempts"] = remaining
			}
			if auditErr := s.record(ctx, e); auditErr != nil {
				return nil, auditErr
			}
		}
		return nil, err
	}

	t, err := s.machine.EnsurePhoneUser(ctx, identity.Phone, identity.PhoneHash)
	if err != nil {
		return nil, err
	}

	e := rc.event()
	e.Type = models.EventOTPVerified
	e.UserID = t.User.UserID
	e.EntityType = "otp_request"
	e.EntityID = identity.ChallengeID
	e.Action = "verify"
	e.Metadata = map[string]interface{}{"newUser": t.Created}
	if err := s.record(ctx, e); err != nil {
		return nil, err
	}
	if err := s.recordUpgrade(ctx, t, rc); err != nil {
		return nil, err
	}

	pair, err := s.issuer.Mint(ctx, t.User, rc.device())
	if err != nil {
		return nil, err
	}

	return &LoginResult{User: NewUserView(t.User), Tokens: pair, Created: t.Created}, nil
}

func (s *AuthService) InitDigiLocker(ctx context.Context, userID, sessionID string) (*digilocker.Authorization, error) {
	return s.broker.Initiate(ctx, userID, sessionID)
}

func (s *AuthService) DigiLockerCallback(ctx context.Context, code, state, providerError string, rc RequestContext) (*TierResult, error) {
	res, err := s.broker.HandleCallback(ctx, code, state, providerError)
	if err != nil {
		if auditErr := s.recordCallbackFailure(ctx, err, rc); auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	}

	// A logout between init and callback revoked the session the flow belongs to.
	if err := s.issuer.RequireActiveSession(ctx, res.UserID, res.SessionID); err != nil {
		return nil, err
	}

	t, err := s.machine.Advance(ctx, res.UserID, models.TierGovernmentID, s.now(),
		verification.WithDigiLockerCredential(res.Sealed))
	if err != nil {
		return nil, err
	}
	if err := s.recordUpgrade(ctx, t, rc); err != nil {
		return nil, err
	}

	access, err := s.issuer.MintAccess(ctx, t.User, res.SessionID)
	if err != nil {
		return nil, err
	}
	return &TierResult{User: NewUserView(t.User), AccessToken: access, Upgraded: t.Upgraded()}, nil
}

func (s *AuthService) recordCallbackFailure(ctx context.Context, err error, rc RequestContext) error {
	var cbErr *digilocker.CallbackError
	if !errors.As(err, &cbErr) {
		return nil
	}

	e := rc.event()
	e.UserID = cbErr.UserID
	e.EntityType = "digilocker"
	e.Action = "callback"
	e.Metadata = map[string]interface{}{"reason": cbErr.Reason}
	if cbErr.Err.Code == apperror.CodeStateMismatch {
		e.Type = models.EventStateMismatch
	} else {
		e.Type = models.EventDigiLockerFailed
	}
	return s.record(ctx, e)
}

func (s *AuthService) CompleteVideoSelfie(ctx context.Context, userID, sessionID, livenessSessionID string, rc RequestContext) (*TierResult, error) {
	if livenessSessionID == "" {
		return nil, apperror.InvalidRequest("livenessSessionId")
	}
	if err := s.issuer.RequireActiveSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	res, err := s.liveness.Confirm(ctx, userID, livenessSessionID)
	if err != nil {
		s.logger.Warn("Liveness confirmation failed", zap.String("user_id", userID), zap.Error(err))
		return nil, apperror.ProviderUnavailable().WithCause(err)
	}
	if !res.Passed {
		e := rc.event()
		e.Type = models.EventLivenessFailed
		e.UserID = userID
		e.EntityType = "liveness"
		e.EntityID = livenessSessionID
		e.Action = "confirm"
		e.Metadata = map[string]interface{}{"status": res.Status}
		if err := s.record(ctx, e); err != nil {
			return nil, err
		}
		return nil, apperror.VerificationFailed()
	}

	t, err := s.machine.Advance(ctx, userID, models.TierLiveness, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.recordUpgrade(ctx, t, rc); err != nil {
		return nil, err
	}

	access, err := s.issuer.MintAccess(ctx, t.User, sessionID)
	if err != nil {
		return nil, err
	}
	return &TierResult{User: NewUserView(t.User), AccessToken: access, Upgraded: t.Upgraded()}, nil
}

func (s *AuthService) VerifyAge(ctx context.Context, userID, dateOfBirth string, rc RequestContext) (*agegate.Result, error) {
	dob, err := agegate.ParseDateOfBirth(dateOfBirth, s.now())
	if err != nil {
		return nil, err
	}
	return s.gate.Verify(ctx, userID, dob, rc.event())
}

func (s *AuthService) RecordConsent(ctx context.Context, userID, version string, rc RequestContext) (UserView, error) {
	u, err := s.gate.RecordConsent(ctx, userID, version, rc.event())
	if err != nil {
		return UserView{}, err
	}
	return NewUserView(u), nil
}

func (s *AuthService) Refresh(ctx context.Context, refreshToken string, rc RequestContext) (*token.AccessToken, error) {
	if refreshToken == "" {
		return nil, apperror.InvalidRequest("refreshToken")
	}
	return s.issuer.Refresh(ctx, refreshToken, rc.event())
}

func (s *AuthService) Logout(ctx context.Context, userID string, rc RequestContext) (int, error) {
	n, err := s.issuer.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}

	e := rc.event()
	e.Type = models.EventLogout
	e.UserID = userID
	e.EntityType = "session"
	e.Action = "revoke_all"
	e.Metadata = map[string]interface{}{"revokedSessions": n}
	if err := s.record(ctx, e); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*models.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.Unauthorized()
	}
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("load user: %w", err))
	}
	return u, nil
}

func (s *AuthService) recordUpgrade(ctx context.Context, t *verification.Transition, rc RequestContext) error {
	if !t.Upgraded() {
		return nil
	}
	e := rc.event()
	e.Type = models.EventTierUpgraded
	e.UserID = t.User.UserID
	e.EntityType = "user"
	e.EntityID = t.User.UserID
	e.Action = "upgrade"
	e.Metadata = map[string]interface{}{
		"tier":      t.Tier.String(),
		"fromLevel": t.FromLevel,
		"toLevel":   t.ToLevel,
	}
	return s.record(ctx, e)
}

// record writes the audit row the response depends on. A failed insert fails the request.
func (s *AuthService) record(ctx context.Context, e audit.Event) error {
	if err := s.recorder.Record(ctx, e); err != nil {
		return apperror.Internal(err)
	}
	return nil
}
