package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

const algorithmTag = "argon2id"

// Hash purposes. The purpose is mixed into the input so a hash made for one use never verifies for another.
const (
	PurposeRefreshToken = "refresh"
	PurposeOTP          = "otp"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher produces salted, peppered argon2id hashes and keyed phone lookup hashes.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	peppers       map[int]*Pepper
	phoneKey      []byte
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	params := Argon2Params{
		Memory:      cfg.Hashing.Argon.Memory,
		Iterations:  cfg.Hashing.Argon.Time,
		Parallelism: cfg.Hashing.Argon.Threads,
		SaltLength:  uint32(cfg.Hashing.Argon.SaltLen),
		KeyLength:   cfg.Hashing.Argon.KeyLen,
	}

	peppers, err := parsePeppers(cfg.Hashing.Peppers)
	if err != nil {
		return nil, err
	}
	if len(peppers) == 0 {
		// Dev only: config.Validate refuses this in production.
		p, err := randomPepper(1)
		if err != nil {
			return nil, err
		}
		peppers = []*Pepper{p}
		util.Warn("No HASH_PEPPERS configured, using an ephemeral pepper; hashes will not survive a restart")
	}

	phoneKey := []byte(cfg.Hashing.PhoneHashSalt)
	if len(phoneKey) == 0 {
		phoneKey = []byte("identity-service-dev-phone-salt")
	}

	return NewHasherWithPeppers(params, peppers, phoneKey), nil
}

// NewHasherWithPeppers builds a hasher from explicit material. The first pepper is current.
func NewHasherWithPeppers(params Argon2Params, peppers []*Pepper, phoneKey []byte) *Hasher {
	h := &Hasher{
		params:   params,
		peppers:  make(map[int]*Pepper, len(peppers)),
		phoneKey: phoneKey,
	}
	for i, p := range peppers {
		if i == 0 {
			h.currentPepper = p
		}
		h.peppers[p.Version] = p
	}
	util.Info("Hasher initialized",
		zap.Int("pepper_version", h.currentPepper.Version),
		zap.Int("known_peppers", len(h.peppers)),
	)
	return h
}

func parsePeppers(entries []string) ([]*Pepper, error) {
	var out []*Pepper
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		version, value, ok := strings.Cut(e, ":")
		if !ok || value == "" {
			return nil, fmt.Errorf("pepper entry must be version:secret")
		}
		v, err := strconv.Atoi(version)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid pepper version %q", version)
		}
		out = append(out, &Pepper{Value: value, Version: v})
	}
	return out, nil
}

func randomPepper(version int) (*Pepper, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate pepper: %w", err)
	}
	return &Pepper{Value: base64.RawURLEncoding.EncodeToString(b), Version: version}, nil
}

// PhoneLookupHash is the deterministic key used to index a phone number. It is not reversible.
func (h *Hasher) PhoneLookupHash(phone string) string {
	mac := hmac.New(sha256.New, h.phoneKey)
	mac.Write([]byte(phone))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Hasher) HashRefreshToken(token string) (string, error) {
	return h.hashWithPepper(token, PurposeRefreshToken)
}

func (h *Hasher) VerifyRefreshToken(token, encoded string) (bool, error) {
	return h.verifyWithPepper(token, encoded, PurposeRefreshToken)
}

func (h *Hasher) HashOTP(otp string) (string, error) {
	return h.hashWithPepper(otp, PurposeOTP)
}

func (h *Hasher) VerifyOTP(otp, encoded string) (bool, error) {
	return h.verifyWithPepper(otp, encoded, PurposeOTP)
}

// hashWithPepper returns argon2id$<pepperVersion>$<salt>$<hash>.
func (h *Hasher) hashWithPepper(data, purpose string) (string, error) {
	pepper := h.currentPepper

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	sum := argon2.IDKey(
		[]byte(data+pepper.Value+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return strings.Join([]string{
		algorithmTag,
		strconv.Itoa(pepper.Version),
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(sum),
	}, "$"), nil
}

func (h *Hasher) verifyWithPepper(data, encoded, purpose string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 {
		return false, ErrInvalidHash
	}
	if parts[0] != algorithmTag {
		return false, ErrIncompatibleVersion
	}

	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return false, ErrInvalidHash
	}
	pepper, err := h.getPepper(version)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) getPepper(version int) (string, error) {
	if p, ok := h.peppers[version]; ok {
		return p.Value, nil
	}
	return "", ErrUnknownPepper
}
