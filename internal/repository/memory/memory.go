// Package memory implements the repository contracts in process memory.
// Conditional writes hold the store mutex, so they keep the compare-and-set semantics of the Scylla and Redis stores.
// Used for local runs with STORAGE_BACKEND=memory and by tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

type UserStore struct {
	mu     sync.Mutex
	users  map[string]*models.User
	phones map[string]string
}

var _ repository.UserRepository = (*UserStore)(nil)

func NewUserStore() *UserStore {
	return &UserStore{users: map[string]*models.User{}, phones: map[string]string{}}
}

func (s *UserStore) CreateWithPhone(_ context.Context, user *models.User) (*models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.phones[user.PhoneHash]; ok {
		return clone(s.users[id]), false, nil
	}
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now

	stored := *user
	s.users[user.UserID] = &stored
	s.phones[user.PhoneHash] = user.UserID
	return clone(&stored), true, nil
}

func (s *UserStore) GetByID(_ context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(u), nil
}

func (s *UserStore) GetByPhoneHash(ctx context.Context, phoneHash string) (*models.User, error) {
	s.mu.Lock()
	id, ok := s.phones[phoneHash]
	s.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *UserStore) MarkTierVerified(_ context.Context, userID string, tier models.Tier, at time.Time) (bool, error) {
	return s.update(userID, func(u *models.User) bool {
		at := at.UTC()
		switch tier {
		case models.TierPhone:
			if u.PhoneVerifiedAt != nil {
				return false
			}
			u.PhoneVerifiedAt = &at
			u.IsPhoneVerified = true
		case models.TierGovernmentID:
			if u.DigiLockerVerifiedAt != nil {
				return false
			}
			u.DigiLockerVerifiedAt = &at
		case models.TierLiveness:
			if u.VideoSelfieVerifiedAt != nil {
				return false
			}
			u.VideoSelfieVerifiedAt = &at
		default:
			return false
		}
		return true
	})
}

func (s *UserStore) RaiseVerificationLevel(_ context.Context, userID string, level int) (bool, error) {
	return s.update(userID, func(u *models.User) bool {
		if u.VerificationLevel >= level {
			return false
		}
		u.VerificationLevel = level
		return true
	})
}

func (s *UserStore) StoreDigiLockerToken(_ context.Context, userID string, sealed *models.SealedCredential) error {
	_, err := s.update(userID, func(u *models.User) bool {
		u.DigiLockerToken = sealed.Ciphertext
		u.DigiLockerTokenIV = sealed.IV
		u.DigiLockerTokenTag = sealed.Tag
		u.DigiLockerTokenKey = sealed.EncryptedKey
		u.DigiLockerKeyID = sealed.KeyID
		return true
	})
	return err
}

func (s *UserStore) LatchAgeVerified(_ context.Context, userID string, dateOfBirth, at time.Time) (bool, error) {
	return s.update(userID, func(u *models.User) bool {
		if u.IsAgeVerified {
			return false
		}
		at := at.UTC()
		u.IsAgeVerified = true
		u.AgeVerifiedAt = &at
		u.DateOfBirth = &dateOfBirth
		return true
	})
}

func (s *UserStore) UpdateConsent(_ context.Context, userID, version string, at time.Time) error {
	_, err := s.update(userID, func(u *models.User) bool {
		at := at.UTC()
		u.ConsentVersion = version
		u.ConsentAgreedAt = &at
		return true
	})
	return err
}

func (s *UserStore) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	_, err := s.update(userID, func(u *models.User) bool {
		at := at.UTC()
		u.LastLoginAt = &at
		return true
	})
	return err
}

func (s *UserStore) update(userID string, fn func(u *models.User) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !fn(u) {
		return false, nil
	}
	u.UpdatedAt = time.Now().UTC()
	return true, nil
}

func clone(u *models.User) *models.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

type OTPStore struct {
	mu       sync.Mutex
	requests map[string][]*models.OTPRequest // newest first
	seq      int
}

var _ repository.OTPRepository = (*OTPStore)(nil)

func NewOTPStore() *OTPStore {
	return &OTPStore{requests: map[string][]*models.OTPRequest{}}
}

func (s *OTPStore) Create(_ context.Context, req *models.OTPRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.OTPID == "" {
		req.OTPID = uuid.New().String()
	}
	req.UpdatedAt = req.CreatedAt
	for _, r := range s.requests[req.PhoneHash] {
		if r.OTPID == req.OTPID {
			return repository.ErrConflict
		}
	}
	stored := *req
	s.requests[req.PhoneHash] = append([]*models.OTPRequest{&stored}, s.requests[req.PhoneHash]...)
	return nil
}

func (s *OTPStore) Latest(_ context.Context, phoneHash string) (*models.OTPRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.requests[phoneHash]
	if len(rs) == 0 {
		return nil, repository.ErrNotFound
	}
	c := *rs[0]
	return &c, nil
}

func (s *OTPStore) ReserveAttempt(_ context.Context, phoneHash, otpID string, expected int) (bool, error) {
	return s.update(phoneHash, otpID, func(r *models.OTPRequest) bool {
		if r.AttemptCount != expected || r.IsUsed {
			return false
		}
		r.AttemptCount++
		return true
	})
}

func (s *OTPStore) Reissue(_ context.Context, phoneHash, otpID, providerRef string, expiresAt time.Time) (bool, error) {
	return s.update(phoneHash, otpID, func(r *models.OTPRequest) bool {
		if r.IsUsed {
			return false
		}
		r.ProviderRef = providerRef
		r.ExpiresAt = expiresAt
		return true
	})
}

func (s *OTPStore) MarkUsed(_ context.Context, phoneHash, otpID string, at time.Time) (bool, error) {
	return s.update(phoneHash, otpID, func(r *models.OTPRequest) bool {
		if r.IsUsed {
			return false
		}
		r.IsUsed = true
		r.UsedAt = &at
		return true
	})
}

func (s *OTPStore) MarkExpired(_ context.Context, phoneHash, otpID string, now time.Time) (bool, error) {
	return s.update(phoneHash, otpID, func(r *models.OTPRequest) bool {
		if r.IsUsed || r.IsExpired || r.ExpiresAt.After(now) {
			return false
		}
		r.IsExpired = true
		return true
	})
}

func (s *OTPStore) ExpiringIn(_ context.Context, bucket time.Time) ([]models.OTPExpiryRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := bucket.UTC().Truncate(time.Hour)
	end := start.Add(time.Hour)

	var refs []models.OTPExpiryRef
	for _, rs := range s.requests {
		for _, r := range rs {
			if !r.ExpiresAt.Before(start) && r.ExpiresAt.Before(end) {
				refs = append(refs, models.OTPExpiryRef{PhoneHash: r.PhoneHash, OTPID: r.OTPID, ExpiresAt: r.ExpiresAt})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ExpiresAt.Before(refs[j].ExpiresAt) })
	return refs, nil
}

// All returns copies of every request for the phone hash, newest first.
func (s *OTPStore) All(phoneHash string) []models.OTPRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OTPRequest, 0, len(s.requests[phoneHash]))
	for _, r := range s.requests[phoneHash] {
		out = append(out, *r)
	}
	return out
}

func (s *OTPStore) update(phoneHash, otpID string, fn func(r *models.OTPRequest) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests[phoneHash] {
		if r.OTPID == otpID {
			if !fn(r) {
				return false, nil
			}
			r.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]*models.Session
}

var _ repository.SessionRepository = (*SessionStore)(nil)

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: map[string]map[string]*models.Session{}}
}

func (s *SessionStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[session.UserID] == nil {
		s.sessions[session.UserID] = map[string]*models.Session{}
	}
	c := *session
	s.sessions[session.UserID][session.SessionID] = &c
	return nil
}

func (s *SessionStore) Get(_ context.Context, userID, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID][sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *sess
	return &c, nil
}

func (s *SessionStore) ListByUser(_ context.Context, userID string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Session, 0, len(s.sessions[userID]))
	for _, sess := range s.sessions[userID] {
		c := *sess
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *SessionStore) RevokeAll(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions[userID] {
		if sess.IsRevoked {
			continue
		}
		at := at
		sess.IsRevoked = true
		sess.RevokedAt = &at
		n++
	}
	return n, nil
}

type AuditStore struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

var _ repository.AuditRepository = (*AuditStore)(nil)

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Insert(_ context.Context, e *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

// Events returns a copy of every recorded event in insertion order.
func (s *AuditStore) Events() []models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEvent(nil), s.events...)
}

// Count returns how many events of the type were recorded.
func (s *AuditStore) Count(eventType models.AuditEventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}
