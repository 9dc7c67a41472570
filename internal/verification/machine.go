// Package verification tracks the Bronze, Silver and Gold identity tiers of a user.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/apperror"
	"identity-service/internal/encryption"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

// LevelOf is the number of completed tiers. Tiers are independent, so order does not matter.
func LevelOf(u *models.User) int {
	return u.CompletedTiers()
}

func LevelName(level int) string {
	switch level {
	case models.LevelBronze:
		return "bronze"
	case models.LevelSilver:
		return "silver"
	case models.LevelGold:
		return "gold"
	default:
		return "unverified"
	}
}

// PhoneSealer encrypts the raw phone number stored next to its lookup hash.
type PhoneSealer interface {
	Seal(ctx context.Context, plaintext string) (*models.SealedCredential, error)
}

type Transition struct {
	User      *models.User
	Tier      models.Tier
	FromLevel int
	ToLevel   int
	// Completed is false when the tier had already been recorded earlier.
	Completed bool
	Created   bool
}

func (t *Transition) Upgraded() bool {
	return t.ToLevel > t.FromLevel
}

type AdvanceOption func(*advanceOptions)

type advanceOptions struct {
	credential *models.SealedCredential
}

// WithDigiLockerCredential stores the sealed provider token along with the Silver tier.
func WithDigiLockerCredential(sealed *models.SealedCredential) AdvanceOption {
	return func(o *advanceOptions) { o.credential = sealed }
}

// Machine applies tier completions. The stored level only moves up: the tier timestamp is
// written if still null and the level is raised with a conditional max-merge.
type Machine struct {
	users  repository.UserRepository
	phones PhoneSealer
	now    func() time.Time
	logger *zap.Logger
}

func NewMachine(users repository.UserRepository, phones PhoneSealer, logger *zap.Logger) *Machine {
	return &Machine{users: users, phones: phones, now: time.Now, logger: logger}
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// EnsurePhoneUser resolves the user owning the phone, creating it on first login, and records the Bronze tier.
func (m *Machine) EnsurePhoneUser(ctx context.Context, phone, phoneHash string) (*Transition, error) {
	user, err := m.users.GetByPhoneHash(ctx, phoneHash)
	created := false

	switch {
	case errors.Is(err, repository.ErrNotFound):
		user, created, err = m.createPhoneUser(ctx, phone, phoneHash)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, apperror.Internal(fmt.Errorf("lookup user by phone: %w", err))
	}

	t, err := m.Advance(ctx, user.UserID, models.TierPhone, m.now().UTC())
	if err != nil {
		return nil, err
	}
	t.Created = created
	return t, nil
}

func (m *Machine) createPhoneUser(ctx context.Context, phone, phoneHash string) (*models.User, bool, error) {
	sealed, err := m.phones.Seal(ctx, phone)
	if err != nil {
		return nil, false, apperror.Internal(fmt.Errorf("seal phone: %w", err))
	}
	blob, err := encryption.Encode(sealed)
	if err != nil {
		return nil, false, apperror.Internal(err)
	}

	user, created, err := m.users.CreateWithPhone(ctx, &models.User{
		PhoneHash:         phoneHash,
		PhoneEncrypted:    blob,
		PhoneMasked:       util.MaskPhone(phone),
		VerificationLevel: models.LevelUnverified,
	})
	if err != nil {
		return nil, false, apperror.Internal(fmt.Errorf("create user: %w", err))
	}
	if created {
		m.logger.Info("User created", zap.String("user_id", user.UserID), util.Phone("phone", phone))
	}
	return user, created, nil
}

func (m *Machine) Advance(ctx context.Context, userID string, tier models.Tier, at time.Time, opts ...AdvanceOption) (*Transition, error) {
	var o advanceOptions
	for _, opt := range opts {
		opt(&o)
	}

	before, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	if o.credential != nil {
		if err := m.users.StoreDigiLockerToken(ctx, userID, o.credential); err != nil {
			return nil, apperror.Internal(fmt.Errorf("store digilocker token: %w", err))
		}
	}

	completed, err := m.users.MarkTierVerified(ctx, userID, tier, at.UTC())
	if err != nil {
		return nil, apperror.Internal(err)
	}

	after, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	target := LevelOf(after)
	if target > after.VerificationLevel {
		if _, err := m.users.RaiseVerificationLevel(ctx, userID, target); err != nil {
			return nil, apperror.Internal(err)
		}
		// A concurrent writer may have raised it further; re-read rather than assume.
		if after, err = m.load(ctx, userID); err != nil {
			return nil, err
		}
	}

	if after.VerificationLevel < before.VerificationLevel || after.VerificationLevel > models.LevelGold {
		m.logger.Error("Verification level invariant violated",
			zap.String("user_id", userID),
			zap.Int("before", before.VerificationLevel),
			zap.Int("after", after.VerificationLevel))
		return nil, apperror.Internal(errors.New("verification level out of range"))
	}

	t := &Transition{
		User:      after,
		Tier:      tier,
		FromLevel: before.VerificationLevel,
		ToLevel:   after.VerificationLevel,
		Completed: completed,
	}
	if t.Upgraded() {
		m.logger.Info("Verification level raised",
			zap.String("user_id", userID),
			zap.String("tier", tier.String()),
			zap.String("level", LevelName(t.ToLevel)))
	}
	return t, nil
}

func (m *Machine) load(ctx context.Context, userID string) (*models.User, error) {
	u, err := m.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.Unauthorized()
	}
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("load user: %w", err))
	}
	return u, nil
}
