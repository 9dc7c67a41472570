package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/client"
	"identity-service/internal/repository"
)

const otpCodePrefix = "otp_code:"

// OTPCodeCache holds argon2 hashes of self-hosted OTP codes for their lifetime.
type OTPCodeCache struct {
	client *client.RedisClient
}

var _ repository.OTPCodeStore = (*OTPCodeCache)(nil)

func NewOTPCodeCache(client *client.RedisClient) *OTPCodeCache {
	return &OTPCodeCache{client: client}
}

func (c *OTPCodeCache) Put(ctx context.Context, ref, codeHash string, ttl time.Duration) error {
	if err := c.client.Set(ctx, otpCodePrefix+ref, codeHash, ttl); err != nil {
		return fmt.Errorf("failed to cache otp code: %w", err)
	}
	return nil
}

func (c *OTPCodeCache) Get(ctx context.Context, ref string) (string, error) {
	v, err := c.client.Get(ctx, otpCodePrefix+ref)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("failed to read otp code: %w", err)
	}
	return v, nil
}

func (c *OTPCodeCache) Delete(ctx context.Context, ref string) error {
	if err := c.client.Del(ctx, otpCodePrefix+ref); err != nil {
		return fmt.Errorf("failed to delete otp code: %w", err)
	}
	return nil
}
