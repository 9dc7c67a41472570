package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"identity-service/internal/models"
)

// Purposes bound into both the wrapped key and the GCM additional data.
const (
	PurposeDigiLockerToken = "digilocker_token"
	PurposePhone           = "phone"
)

const (
	nonceSize    = 12
	tagSize      = 16
	maxCachedKey = 1024
)

// SealedToken is the persisted output of Seal: ciphertext, nonce, tag and the wrapped data key.
type SealedToken = models.SealedCredential

// Vault envelope-encrypts secrets with AES-256-GCM under a fresh data key per seal.
type Vault struct {
	keys      KeyService
	purpose   string
	keyCache  sync.Map // wrapped key -> plaintext DEK
	cacheSize atomic.Int64
}

func NewVault(keys KeyService, purpose string) *Vault {
	return &Vault{keys: keys, purpose: purpose}
}

func (v *Vault) Seal(ctx context.Context, plaintext string) (*SealedToken, error) {
	return v.SealBytes(ctx, []byte(plaintext))
}

func (v *Vault) SealBytes(ctx context.Context, plaintext []byte) (*SealedToken, error) {
	dataKey, err := v.keys.GenerateDataKey(ctx, v.purpose)
	if err != nil {
		return nil, err
	}
	defer clear(dataKey.Plaintext)

	gcm, err := newGCM(dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, v.additionalData(dataKey.KeyID))
	split := len(sealed) - tagSize

	return &SealedToken{
		Ciphertext:   sealed[:split],
		IV:           nonce,
		Tag:          sealed[split:],
		EncryptedKey: dataKey.Ciphertext,
		KeyID:        dataKey.KeyID,
	}, nil
}

// Open authenticates and decrypts. Any tampering fails with ErrDecryptionFailed.
func (v *Vault) Open(ctx context.Context, token *SealedToken) (string, error) {
	b, err := v.OpenBytes(ctx, token)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (v *Vault) OpenBytes(ctx context.Context, token *SealedToken) ([]byte, error) {
	if token == nil || len(token.IV) != nonceSize || len(token.Tag) != tagSize || len(token.EncryptedKey) == 0 {
		return nil, fmt.Errorf("%w: malformed sealed token", ErrDecryptionFailed)
	}

	dek, err := v.dataKey(ctx, token)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	sealed := make([]byte, 0, len(token.Ciphertext)+tagSize)
	sealed = append(sealed, token.Ciphertext...)
	sealed = append(sealed, token.Tag...)

	plaintext, err := gcm.Open(nil, token.IV, sealed, v.additionalData(token.KeyID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (v *Vault) dataKey(ctx context.Context, token *SealedToken) ([]byte, error) {
	cacheKey := base64.StdEncoding.EncodeToString(token.EncryptedKey)
	if cached, ok := v.keyCache.Load(cacheKey); ok {
		return cached.([]byte), nil
	}

	dek, err := v.keys.DecryptDataKey(ctx, token.EncryptedKey, token.KeyID, v.purpose)
	if err != nil {
		return nil, err
	}
	if v.cacheSize.Load() < maxCachedKey {
		if _, loaded := v.keyCache.LoadOrStore(cacheKey, dek); !loaded {
			v.cacheSize.Add(1)
		}
	}
	return dek, nil
}

func (v *Vault) additionalData(keyID string) []byte {
	return []byte(v.purpose + "|" + keyID)
}

// ClearCache drops every cached data key.
func (v *Vault) ClearCache() {
	v.keyCache.Range(func(key, value interface{}) bool {
		clear(value.([]byte))
		v.keyCache.Delete(key)
		return true
	})
	v.cacheSize.Store(0)
}

func (v *Vault) GetCacheSize() int {
	return int(v.cacheSize.Load())
}

// Encode flattens a sealed token into one blob column.
func Encode(token *SealedToken) ([]byte, error) {
	return json.Marshal(token)
}

func Decode(blob []byte) (*SealedToken, error) {
	var token SealedToken
	if err := json.Unmarshal(blob, &token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return &token, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
