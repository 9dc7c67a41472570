package otp

import (
	"context"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/repository"
)

// Sweeper flags live requests whose expiry has passed. Passes are idempotent and may overlap.
type Sweeper struct {
	otps     repository.OTPRepository
	interval time.Duration
	lookback time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewSweeper(otps repository.OTPRepository, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		otps:     otps,
		interval: interval,
		lookback: 2 * time.Hour,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start runs passes on a ticker until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := s.SweepOnce(ctx); err != nil {
					s.logger.Warn("OTP sweep failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("OTP sweep flagged expired requests", zap.Int("count", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SweepOnce walks the hour buckets from now-lookback to now and returns how many requests it flagged.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	flagged := 0

	for bucket := now.Add(-s.lookback).Truncate(time.Hour); !bucket.After(now); bucket = bucket.Add(time.Hour) {
		refs, err := s.otps.ExpiringIn(ctx, bucket)
		if err != nil {
			return flagged, err
		}
		for _, ref := range refs {
			if ref.ExpiresAt.After(now) {
				continue
			}
			applied, err := s.otps.MarkExpired(ctx, ref.PhoneHash, ref.OTPID, now)
			if err != nil {
				return flagged, err
			}
			if applied {
				flagged++
			}
		}
	}
	return flagged, nil
}
