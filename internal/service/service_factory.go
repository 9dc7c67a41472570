package service

import (
	"go.uber.org/zap"

	"identity-service/internal/agegate"
	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/config"
	"identity-service/internal/digilocker"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/otp"
	"identity-service/internal/repository"
	"identity-service/internal/token"
	"identity-service/internal/verification"
)

// Dependencies are the storage handles and provider clients, constructed once by the caller.
type Dependencies struct {
	Config *config.Config

	Users    repository.UserRepository
	OTPs     repository.OTPRepository
	Sessions repository.SessionRepository
	Audits   repository.AuditRepository
	States   repository.StateStore
	Limiter  repository.RateLimiter

	Hasher     *hashing.Hasher
	PhoneVault *encryption.Vault
	TokenVault *encryption.Vault
	Bucketing  *bucketing.BucketingManager

	OTPProvider otp.Provider
	DigiLocker  digilocker.Provider
	Liveness    LivenessChecker
	AuditSinks  []audit.Sink
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps   Dependencies
	opts   token.Options
	logger *zap.Logger

	recorder    *audit.Recorder
	issuer      *token.Issuer
	authService *AuthService
	sweeper     *otp.Sweeper
}

func NewServiceFactory(deps Dependencies, logger *zap.Logger) (*ServiceFactory, error) {
	opts, err := token.OptionsFrom(deps.Config)
	if err != nil {
		return nil, err
	}
	return &ServiceFactory{deps: deps, opts: opts, logger: logger}, nil
}

// Recorder returns the audit recorder (singleton)
func (f *ServiceFactory) Recorder() *audit.Recorder {
	if f.recorder == nil {
		f.recorder = audit.NewRecorder(f.deps.Audits, f.deps.Bucketing, f.deps.Config.Audit.SinkTimeout,
			f.logger.Named("audit"), f.deps.AuditSinks...)
	}
	return f.recorder
}

// Issuer returns the token issuer (singleton)
func (f *ServiceFactory) Issuer() *token.Issuer {
	if f.issuer == nil {
		f.issuer = token.NewIssuer(f.deps.Sessions, f.deps.Users, f.deps.Hasher, f.Recorder(), f.opts, f.logger.Named("token"))
	}
	return f.issuer
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		cfg := f.deps.Config
		ledger := otp.NewLedger(f.deps.OTPs, f.deps.Limiter, f.deps.OTPProvider, f.deps.Hasher,
			otp.LedgerConfigFrom(cfg), f.logger.Named("otp"))
		machine := verification.NewMachine(f.deps.Users, f.deps.PhoneVault, f.logger.Named("verification"))
		broker := digilocker.NewBroker(f.deps.States, f.deps.DigiLocker, f.deps.TokenVault,
			cfg.DigiLocker.StateTTL, f.logger.Named("digilocker"))
		gate := agegate.NewGate(f.deps.Users, f.Recorder(), f.logger.Named("agegate"))

		f.authService = NewAuthService(ledger, machine, broker, f.deps.Liveness, gate, f.Issuer(),
			f.Recorder(), f.deps.Users, f.logger)
	}
	return f.authService
}

// Sweeper returns the expired-OTP sweeper (singleton)
func (f *ServiceFactory) Sweeper() *otp.Sweeper {
	if f.sweeper == nil {
		f.sweeper = otp.NewSweeper(f.deps.OTPs, f.deps.Config.OTP.SweepInterval, f.logger.Named("otp-sweeper"))
	}
	return f.sweeper
}

// Cleanup drops cached plaintext data keys
func (f *ServiceFactory) Cleanup() {
	if f.deps.PhoneVault != nil {
		f.deps.PhoneVault.ClearCache()
	}
	if f.deps.TokenVault != nil {
		f.deps.TokenVault.ClearCache()
	}
}
