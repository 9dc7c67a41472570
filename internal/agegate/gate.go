// Package agegate enforces the adult-only age latch and consent recording.
package agegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/apperror"
	"identity-service/internal/audit"
	"identity-service/internal/models"
	"identity-service/internal/repository"
)

const MinimumAge = 18

const dateLayout = "2006-01-02"

type Result struct {
	IsAdult         bool
	Age             int
	AlreadyVerified bool
}

// Gate computes age once and latches the result; it never clears the latch.
type Gate struct {
	users    repository.UserRepository
	recorder *audit.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

func NewGate(users repository.UserRepository, recorder *audit.Recorder, logger *zap.Logger) *Gate {
	return &Gate{users: users, recorder: recorder, now: time.Now, logger: logger}
}

func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// ParseDateOfBirth accepts YYYY-MM-DD and rejects dates in the future.
func ParseDateOfBirth(raw string, now time.Time) (time.Time, error) {
	dob, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, apperror.InvalidRequest("dateOfBirth")
	}
	if dob.After(now) {
		return time.Time{}, apperror.InvalidRequest("dateOfBirth")
	}
	return dob, nil
}

// AgeOn returns completed years between dob and on. A 29 February birthday counts from 1 March in non-leap years.
func AgeOn(dob, on time.Time) int {
	y1, m1, d1 := dob.Date()
	y2, m2, d2 := on.Date()

	age := y2 - y1
	if m2 < m1 || (m2 == m1 && d2 < d1) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

func (g *Gate) Verify(ctx context.Context, userID string, dob time.Time, meta audit.Event) (*Result, error) {
	user, err := g.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	// India Standard Time decides the calendar day a birthday falls on.
	today := g.now().In(ist)
	age := AgeOn(dob, today)

	if user.IsAgeVerified {
		return &Result{IsAdult: true, Age: age, AlreadyVerified: true}, nil
	}

	if age < MinimumAge {
		meta.Type = models.EventAgeVerificationFailed
		meta.UserID = userID
		meta.EntityType = "user"
		meta.EntityID = userID
		meta.Action = "age_verify"
		meta.Metadata = map[string]interface{}{"providedAge": age, "requiredAge": MinimumAge}
		if err := g.recorder.Record(ctx, meta); err != nil {
			return nil, apperror.Internal(err)
		}
		return nil, apperror.AgeRestrictionViolation(age)
	}

	latched, err := g.users.LatchAgeVerified(ctx, userID, dob, g.now().UTC())
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("latch age verification: %w", err))
	}
	if !latched {
		return &Result{IsAdult: true, Age: age, AlreadyVerified: true}, nil
	}

	meta.Type = models.EventAgeVerified
	meta.UserID = userID
	meta.EntityType = "user"
	meta.EntityID = userID
	meta.Action = "age_verify"
	meta.Metadata = map[string]interface{}{"age": age}
	if err := g.recorder.Record(ctx, meta); err != nil {
		return nil, apperror.Internal(err)
	}

	g.logger.Info("Age verified", zap.String("user_id", userID))
	return &Result{IsAdult: true, Age: age}, nil
}

func (g *Gate) RecordConsent(ctx context.Context, userID, version string, meta audit.Event) (*models.User, error) {
	version = strings.TrimSpace(version)
	if version == "" || len(version) > 32 {
		return nil, apperror.InvalidRequest("consentVersion")
	}
	if _, err := g.load(ctx, userID); err != nil {
		return nil, err
	}

	if err := g.users.UpdateConsent(ctx, userID, version, g.now().UTC()); err != nil {
		return nil, apperror.Internal(fmt.Errorf("update consent: %w", err))
	}

	meta.Type = models.EventConsentRecorded
	meta.UserID = userID
	meta.EntityType = "user"
	meta.EntityID = userID
	meta.Action = "consent"
	meta.Metadata = map[string]interface{}{"consentVersion": version}
	if err := g.recorder.Record(ctx, meta); err != nil {
		return nil, apperror.Internal(err)
	}

	return g.load(ctx, userID)
}

// RequireAgeVerified is a pure precondition on the stored latch.
func RequireAgeVerified(u *models.User) error {
	if u == nil || !u.IsAgeVerified {
		return apperror.AgeVerificationRequired()
	}
	return nil
}

func RequireConsent(u *models.User) error {
	if u == nil || !u.HasConsent() {
		return apperror.ConsentRequired()
	}
	return nil
}

func (g *Gate) load(ctx context.Context, userID string) (*models.User, error) {
	u, err := g.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.Unauthorized()
	}
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("load user: %w", err))
	}
	return u, nil
}

var ist = time.FixedZone("IST", 5*60*60+30*60)
