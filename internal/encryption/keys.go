package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"identity-service/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// KeyService issues per-seal data keys and unwraps them. The master key never leaves the service.
type KeyService interface {
	GenerateDataKey(ctx context.Context, purpose string) (*DataKey, error)
	DecryptDataKey(ctx context.Context, wrapped []byte, keyID, purpose string) ([]byte, error)
}

// kmsAPI is the slice of the KMS client the key service needs.
type kmsAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// NewKMSClient builds an AWS KMS client from the default credential chain.
func NewKMSClient(ctx context.Context, cfg *config.Config) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.KMS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.KMS.Endpoint)
		}
	}), nil
}

type KMSKeyService struct {
	client  kmsAPI
	keyID   string
	timeout time.Duration
}

func NewKMSKeyService(client kmsAPI, keyID string, timeout time.Duration) *KMSKeyService {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &KMSKeyService{client: client, keyID: keyID, timeout: timeout}
}

func (k *KMSKeyService) GenerateDataKey(ctx context.Context, purpose string) (*DataKey, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	out, err := k.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(k.keyID),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: map[string]string{"purpose": purpose},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generate data key: %v", ErrEncryptionFailed, err)
	}

	keyID := k.keyID
	if out.KeyId != nil {
		keyID = *out.KeyId
	}
	return &DataKey{Plaintext: out.Plaintext, Ciphertext: out.CiphertextBlob, KeyID: keyID}, nil
}

func (k *KMSKeyService) DecryptDataKey(ctx context.Context, wrapped []byte, keyID, purpose string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	in := &kms.DecryptInput{
		CiphertextBlob:    wrapped,
		EncryptionContext: map[string]string{"purpose": purpose},
	}
	if keyID != "" {
		in.KeyId = aws.String(keyID)
	}
	out, err := k.client.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt data key: %v", ErrDecryptionFailed, err)
	}
	return out.Plaintext, nil
}

// LocalKeyService wraps data keys under a random master key that lives only in this process.
// Development only: sealed values become unreadable after a restart.
type LocalKeyService struct {
	keyID string
	aead  cipher.AEAD
}

func NewLocalKeyService() (*LocalKeyService, error) {
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	block, err := aes.NewCipher(master)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &LocalKeyService{keyID: "local:" + uuid.New().String(), aead: aead}, nil
}

func (l *LocalKeyService) GenerateDataKey(_ context.Context, purpose string) (*DataKey, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped := l.aead.Seal(nonce, nonce, dek, []byte(purpose))
	return &DataKey{Plaintext: dek, Ciphertext: wrapped, KeyID: l.keyID}, nil
}

func (l *LocalKeyService) DecryptDataKey(_ context.Context, wrapped []byte, keyID, purpose string) ([]byte, error) {
	if keyID != l.keyID {
		return nil, fmt.Errorf("%w: unknown key id", ErrDecryptionFailed)
	}
	ns := l.aead.NonceSize()
	if len(wrapped) < ns {
		return nil, fmt.Errorf("%w: wrapped key too short", ErrDecryptionFailed)
	}
	dek, err := l.aead.Open(nil, wrapped[:ns], wrapped[ns:], []byte(purpose))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return dek, nil
}
