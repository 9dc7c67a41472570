package verification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/apperror"
	"identity-service/internal/encryption"
	"identity-service/internal/models"
	"identity-service/internal/repository/memory"
)

func newMachine(t *testing.T) (*Machine, *memory.UserStore, *encryption.Vault) {
	t.Helper()
	keys, err := encryption.NewLocalKeyService()
	require.NoError(t, err)
	vault := encryption.NewVault(keys, encryption.PurposePhone)
	users := memory.NewUserStore()
	return NewMachine(users, vault, zap.NewNop()), users, vault
}

func TestEnsurePhoneUserCreatesBronze(t *testing.T) {
	m, users, vault := newMachine(t)
	ctx := context.Background()

	tr, err := m.EnsurePhoneUser(ctx, "+919876543210", "hash-1")
	require.NoError(t, err)
	assert.True(t, tr.Created)
	assert.True(t, tr.Completed)
	assert.True(t, tr.Upgraded())
	assert.Equal(t, models.LevelBronze, tr.ToLevel)
	assert.True(t, tr.User.IsPhoneVerified)
	assert.Equal(t, "+91******3210", tr.User.PhoneMasked)

	stored, err := users.GetByPhoneHash(ctx, "hash-1")
	require.NoError(t, err)
	sealed, err := encryption.Decode(stored.PhoneEncrypted)
	require.NoError(t, err)
	phone, err := vault.Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "+919876543210", phone)

	again, err := m.EnsurePhoneUser(ctx, "+919876543210", "hash-1")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.False(t, again.Completed)
	assert.False(t, again.Upgraded())
	assert.Equal(t, tr.User.UserID, again.User.UserID)
	assert.Equal(t, tr.User.PhoneVerifiedAt, again.User.PhoneVerifiedAt)
}

func TestAdvanceIsMonotonic(t *testing.T) {
	m, _, _ := newMachine(t)
	ctx := context.Background()

	tr, err := m.EnsurePhoneUser(ctx, "+919876543210", "hash-1")
	require.NoError(t, err)
	userID := tr.User.UserID

	silver, err := m.Advance(ctx, userID, models.TierGovernmentID, time.Now(),
		WithDigiLockerCredential(&models.SealedCredential{Ciphertext: []byte("c"), KeyID: "k"}))
	require.NoError(t, err)
	assert.Equal(t, models.LevelSilver, silver.ToLevel)
	assert.Equal(t, []byte("c"), silver.User.DigiLockerToken)

	for i := 0; i < 3; i++ {
		repeat, err := m.Advance(ctx, userID, models.TierGovernmentID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, models.LevelSilver, repeat.ToLevel)
		assert.False(t, repeat.Upgraded())
	}

	gold, err := m.Advance(ctx, userID, models.TierLiveness, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.LevelGold, gold.ToLevel)

	again, err := m.Advance(ctx, userID, models.TierPhone, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.LevelGold, again.ToLevel)
}

func TestAdvanceOutOfOrder(t *testing.T) {
	m, users, _ := newMachine(t)
	ctx := context.Background()

	u, _, err := users.CreateWithPhone(ctx, &models.User{PhoneHash: "hash-2"})
	require.NoError(t, err)

	tr, err := m.Advance(ctx, u.UserID, models.TierLiveness, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.LevelBronze, tr.ToLevel)
	assert.Nil(t, tr.User.PhoneVerifiedAt)
}

func TestAdvanceConcurrent(t *testing.T) {
	m, _, _ := newMachine(t)
	ctx := context.Background()

	tr, err := m.EnsurePhoneUser(ctx, "+919876543210", "hash-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, tier := range []models.Tier{models.TierGovernmentID, models.TierLiveness, models.TierGovernmentID, models.TierLiveness} {
		wg.Add(1)
		go func(tier models.Tier) {
			defer wg.Done()
			_, err := m.Advance(ctx, tr.User.UserID, tier, time.Now())
			assert.NoError(t, err)
		}(tier)
	}
	wg.Wait()

	final, err := m.Advance(ctx, tr.User.UserID, models.TierPhone, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.LevelGold, final.ToLevel)
}

func TestAdvanceUnknownUser(t *testing.T) {
	m, _, _ := newMachine(t)
	_, err := m.Advance(context.Background(), "missing", models.TierPhone, time.Now())
	assert.True(t, apperror.HasCode(err, apperror.CodeUnauthorized))
}

func TestLevelName(t *testing.T) {
	assert.Equal(t, "unverified", LevelName(0))
	assert.Equal(t, "bronze", LevelName(1))
	assert.Equal(t, "silver", LevelName(2))
	assert.Equal(t, "gold", LevelName(3))
}
