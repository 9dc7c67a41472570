package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const codeLength = 6

// CodeHasher is the part of hashing.Hasher the self-hosted provider needs.
type CodeHasher interface {
	HashOTP(otp string) (string, error)
	VerifyOTP(otp, encoded string) (bool, error)
}

// HashedCodeProvider generates codes itself and keeps only their argon2 hash.
type HashedCodeProvider struct {
	codes  repository.OTPCodeStore
	hasher CodeHasher
	sender Sender
	ttl    time.Duration
	logger *zap.Logger
}

func NewHashedCodeProvider(codes repository.OTPCodeStore, hasher CodeHasher, sender Sender, ttl time.Duration, logger *zap.Logger) *HashedCodeProvider {
	return &HashedCodeProvider{
		codes:  codes,
		hasher: hasher,
		sender: sender,
		ttl:    ttl,
		logger: logger,
	}
}

func (p *HashedCodeProvider) Name() string { return "self" }

func (p *HashedCodeProvider) SendCode(ctx context.Context, phone string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}

	hash, err := p.hasher.HashOTP(code)
	if err != nil {
		return "", fmt.Errorf("failed to hash code: %w", err)
	}

	ref := uuid.New().String()
	if err := p.codes.Put(ctx, ref, hash, p.ttl); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	body := fmt.Sprintf("Your verification code is %s. It is valid for %d minutes. Do not share it with anyone.",
		code, int(p.ttl.Minutes()))
	if err := p.sender.Send(ctx, phone, body); err != nil {
		_ = p.codes.Delete(ctx, ref)
		p.logger.Warn("OTP delivery failed", util.Phone("phone", phone), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	return ref, nil
}

func (p *HashedCodeProvider) Confirm(ctx context.Context, ref, code string) (bool, error) {
	hash, err := p.codes.Get(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	ok, err := p.hasher.VerifyOTP(code, hash)
	if err != nil {
		return false, fmt.Errorf("failed to verify code: %w", err)
	}
	if ok {
		_ = p.codes.Delete(ctx, ref)
	}
	return ok, nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeLength, n.Int64()), nil
}
