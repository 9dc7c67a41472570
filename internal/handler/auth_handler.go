package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/apperror"
	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// AuthHandler handles HTTP requests for the identity flows
type AuthHandler struct {
	authService *service.AuthService
	parser      AccessParser
	logger      *zap.Logger
}

func NewAuthHandler(authService *service.AuthService, parser AccessParser, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		parser:      parser,
		logger:      logger,
	}
}

type sendOTPRequest struct {
	Phone string `json:"phone"`
}

type sendOTPResponse struct {
	ChallengeID      string `json:"challengeId"`
	MaskedPhone      string `json:"maskedPhone"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
	MaxAttempts      int    `json:"maxAttempts"`
}

type verifyOTPRequest struct {
	Phone      string `json:"phone"`
	OTP        string `json:"otp"`
	DeviceInfo string `json:"deviceInfo,omitempty"`
}

type loginResponse struct {
	User             service.UserView `json:"user"`
	AccessToken      string           `json:"accessToken"`
	RefreshToken     string           `json:"refreshToken"`
	SessionID        string           `json:"sessionId"`
	AccessExpiresAt  time.Time        `json:"accessTokenExpiresAt"`
	RefreshExpiresAt time.Time        `json:"refreshTokenExpiresAt"`
	IsNewUser        bool             `json:"isNewUser"`
}

type digiLockerInitResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
	State            string `json:"state"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

type tierResponse struct {
	User        service.UserView `json:"user"`
	AccessToken string           `json:"accessToken"`
	ExpiresAt   time.Time        `json:"accessTokenExpiresAt"`
	Upgraded    bool             `json:"upgraded"`
}

type videoSelfieRequest struct {
	LivenessSessionID string `json:"livenessSessionId"`
}

type ageVerifyRequest struct {
	DateOfBirth string `json:"dateOfBirth"`
}

type ageVerifyResponse struct {
	IsAgeVerified   bool `json:"isAgeVerified"`
	Age             int  `json:"age"`
	AlreadyVerified bool `json:"alreadyVerified"`
}

type consentRequest struct {
	ConsentVersion string `json:"consentVersion"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type accessResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"accessTokenExpiresAt"`
	Level       int       `json:"verificationLevel"`
}

type logoutResponse struct {
	Message         string `json:"message"`
	RevokedSessions int    `json:"revokedSessions"`
}

// RegisterRoutes registers all identity routes under /auth
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	authenticated := Authenticate(h.parser, h.logger)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/phone-otp/send", h.SendPhoneOTP)
		r.Post("/phone-otp/verify", h.VerifyPhoneOTP)
		r.Get("/digilocker/callback", h.DigiLockerCallback)
		r.Post("/refresh", h.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(authenticated)
			r.Get("/digilocker/init", h.InitDigiLocker)
			r.With(RequireConsent(h.authService, h.logger)).Post("/video-selfie/complete", h.CompleteVideoSelfie)
			r.Post("/age-verify", h.VerifyAge)
			r.Post("/consent", h.RecordConsent)
			r.Post("/logout", h.Logout)

			r.With(RequireAgeVerified(h.authService, h.logger)).Get("/me", h.Me)
		})
	})
}

// SendPhoneOTP issues a phone challenge
// @Summary Send phone OTP
// @Tags auth
// @Accept json
// @Produce json
// @Param request body sendOTPRequest true "Phone number"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 429 {object} Response
// @Router /auth/phone-otp/send [post]
func (h *AuthHandler) SendPhoneOTP(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	ch, err := h.authService.SendPhoneOTP(r.Context(), req.Phone, requestContext(r))
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	respondOK(w, sendOTPResponse{
		ChallengeID:      ch.ChallengeID,
		MaskedPhone:      ch.MaskedPhone,
		ExpiresInSeconds: ch.ExpiresInSeconds,
		MaxAttempts:      ch.MaxAttempts,
	})
}

// VerifyPhoneOTP consumes a challenge and opens a session
// @Summary Verify phone OTP
// @Tags auth
// @Accept json
// @Produce json
// @Param request body verifyOTPRequest true "Phone and OTP"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 503 {object} Response
// @Router /auth/phone-otp/verify [post]
func (h *AuthHandler) VerifyPhoneOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req verifyOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	rc := requestContext(r)
	if req.DeviceInfo != "" {
		rc.DeviceInfo = req.DeviceInfo
	}

	res, err := h.authService.VerifyPhoneOTP(r.Context(), req.Phone, req.OTP, rc)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	respondOK(w, loginResponse{
		User:             res.User,
		AccessToken:      res.Tokens.AccessToken,
		RefreshToken:     res.Tokens.RefreshToken,
		SessionID:        res.Tokens.SessionID,
		AccessExpiresAt:  res.Tokens.AccessExpiresAt,
		RefreshExpiresAt: res.Tokens.RefreshExpiresAt,
		IsNewUser:        res.Created,
	})
	h.logger.Debug("Phone login via HTTP",
		util.String("user_id", res.User.UserID),
		util.Bool("new_user", res.Created),
		util.Duration("duration", time.Since(startTime)),
	)
}

// InitDigiLocker starts the government ID flow for the caller
// @Summary Start DigiLocker verification
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response
// @Router /auth/digilocker/init [get]
func (h *AuthHandler) InitDigiLocker(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	auth, err := h.authService.InitDigiLocker(r.Context(), claims.Subject, claims.SessionID)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	respondOK(w, digiLockerInitResponse{
		AuthorizationURL: auth.AuthorizationURL,
		State:            auth.State,
		ExpiresInSeconds: auth.ExpiresInSeconds,
	})
}

// DigiLockerCallback is invoked by the provider redirect; it carries no bearer token.
// @Summary DigiLocker OAuth callback
// @Tags auth
// @Produce json
// @Param code query string false "Authorization code"
// @Param state query string true "State issued by /auth/digilocker/init"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 403 {object} Response
// @Router /auth/digilocker/callback [get]
func (h *AuthHandler) DigiLockerCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	res, err := h.authService.DigiLockerCallback(r.Context(), q.Get("code"), q.Get("state"), q.Get("error"), requestContext(r))
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondOK(w, newTierResponse(res))
}

// CompleteVideoSelfie confirms a liveness session for the caller
// @Summary Complete video selfie
// @Tags auth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body videoSelfieRequest true "Liveness session"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 403 {object} Response
// @Router /auth/video-selfie/complete [post]
func (h *AuthHandler) CompleteVideoSelfie(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req videoSelfieRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	res, err := h.authService.CompleteVideoSelfie(r.Context(), claims.Subject, claims.SessionID, req.LivenessSessionID, requestContext(r))
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondOK(w, newTierResponse(res))
}

// VerifyAge latches the adult flag for the caller
// @Summary Verify age
// @Tags auth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ageVerifyRequest true "Date of birth, YYYY-MM-DD"
// @Success 200 {object} Response
// @Failure 403 {object} Response
// @Router /auth/age-verify [post]
func (h *AuthHandler) VerifyAge(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req ageVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	res, err := h.authService.VerifyAge(r.Context(), claims.Subject, req.DateOfBirth, requestContext(r))
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	respondOK(w, ageVerifyResponse{IsAgeVerified: res.IsAdult, Age: res.Age, AlreadyVerified: res.AlreadyVerified})
}

// RecordConsent stores the accepted terms version
// @Summary Record consent
// @Tags auth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body consentRequest true "Consent version"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /auth/consent [post]
func (h *AuthHandler) RecordConsent(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req consentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	user, err := h.authService.RecordConsent(r.Context(), claims.Subject, req.ConsentVersion, requestContext(r))
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondOK(w, map[string]interface{}{"user": user})
}

// Refresh mints a new access token from a refresh token
// @Summary Refresh access token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body refreshRequest true "Refresh token"
// @Success 200 {object} Response
// @Failure 403 {object} Response
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	access, err := h.authService.Refresh(r.Context(), req.RefreshToken, requestContext(r))
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondOK(w, newAccessResponse(access))
}

// Logout revokes every session of the caller
// @Summary Logout
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	n, err := h.authService.Logout(r.Context(), claims.Subject, requestContext(r))
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondOK(w, logoutResponse{Message: "Logged out from all devices", RevokedSessions: n})
}

// Me returns the caller's masked profile. Routed behind RequireAgeVerified.
// @Summary Current user
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response
// @Failure 403 {object} Response
// @Router /auth/me [get]
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := userFrom(r.Context())
	if !ok {
		respondWithError(w, r, h.logger, apperror.Unauthorized())
		return
	}
	respondOK(w, map[string]interface{}{"user": service.NewUserView(u)})
}

func newTierResponse(res *service.TierResult) tierResponse {
	return tierResponse{
		User:        res.User,
		AccessToken: res.AccessToken.Token,
		ExpiresAt:   res.AccessToken.ExpiresAt,
		Upgraded:    res.Upgraded,
	}
}

func newAccessResponse(a *token.AccessToken) accessResponse {
	return accessResponse{AccessToken: a.Token, ExpiresAt: a.ExpiresAt, Level: a.Level}
}
