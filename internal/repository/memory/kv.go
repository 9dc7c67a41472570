package memory

import (
	"context"
	"sync"
	"time"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

type StateStore struct {
	mu     sync.Mutex
	states map[string]stateEntry
	now    func() time.Time
}

type stateEntry struct {
	state    models.OAuthState
	deadline time.Time
}

var _ repository.StateStore = (*StateStore)(nil)

func NewStateStore(now func() time.Time) *StateStore {
	if now == nil {
		now = time.Now
	}
	return &StateStore{states: map[string]stateEntry{}, now: now}
}

func (s *StateStore) Save(_ context.Context, st *models.OAuthState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.states[st.State]; ok && s.now().Before(e.deadline) {
		return repository.ErrConflict
	}
	s.states[st.State] = stateEntry{state: *st, deadline: s.now().Add(ttl)}
	return nil
}

func (s *StateStore) Claim(_ context.Context, state string) (*models.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.states[state]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(s.states, state)
	if !s.now().Before(e.deadline) {
		return nil, repository.ErrNotFound
	}
	st := e.state
	return &st, nil
}

// Len reports how many unclaimed states are held, expired ones included.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// RateLimiter is a sliding window over admitted event timestamps.
type RateLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

var _ repository.RateLimiter = (*RateLimiter)(nil)

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{events: map[string][]time.Time{}}
}

func (l *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window)
	kept := l.events[key][:0]
	for _, t := range l.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.events[key] = kept

	if len(kept) >= limit {
		return false, kept[0].Add(window).Sub(now), nil
	}
	l.events[key] = append(kept, now)
	return true, 0, nil
}

type CodeStore struct {
	mu    sync.Mutex
	codes map[string]codeEntry
	now   func() time.Time
}

type codeEntry struct {
	hash     string
	deadline time.Time
}

var _ repository.OTPCodeStore = (*CodeStore)(nil)

func NewCodeStore(now func() time.Time) *CodeStore {
	if now == nil {
		now = time.Now
	}
	return &CodeStore{codes: map[string]codeEntry{}, now: now}
}

func (s *CodeStore) Put(_ context.Context, ref, codeHash string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[ref] = codeEntry{hash: codeHash, deadline: s.now().Add(ttl)}
	return nil
}

func (s *CodeStore) Get(_ context.Context, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.codes[ref]
	if !ok || !s.now().Before(e.deadline) {
		return "", repository.ErrNotFound
	}
	return e.hash, nil
}

func (s *CodeStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, ref)
	return nil
}
