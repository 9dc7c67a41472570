package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func newTestHasher(peppers ...*Pepper) *Hasher {
	if len(peppers) == 0 {
		peppers = []*Pepper{{Value: "pepper-one", Version: 1}}
	}
	return NewHasherWithPeppers(testParams, peppers, []byte("phone-key"))
}

func TestRefreshTokenHashRoundTrip(t *testing.T) {
	h := newTestHasher()

	encoded, err := h.HashRefreshToken("refresh-token-value")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "argon2id$1$"))
	assert.NotContains(t, encoded, "refresh-token-value")

	ok, err := h.VerifyRefreshToken("refresh-token-value", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyRefreshToken("other", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurposeSeparation(t *testing.T) {
	h := newTestHasher()

	encoded, err := h.HashOTP("123456")
	require.NoError(t, err)

	ok, err := h.VerifyRefreshToken("123456", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOldPepperStillVerifies(t *testing.T) {
	old := newTestHasher(&Pepper{Value: "old", Version: 1})
	encoded, err := old.HashOTP("654321")
	require.NoError(t, err)

	rotated := newTestHasher(&Pepper{Value: "new", Version: 2}, &Pepper{Value: "old", Version: 1})
	ok, err := rotated.VerifyOTP("654321", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	dropped := newTestHasher(&Pepper{Value: "new", Version: 2})
	_, err = dropped.VerifyOTP("654321", encoded)
	assert.ErrorIs(t, err, ErrUnknownPepper)
}

func TestVerifyMalformed(t *testing.T) {
	h := newTestHasher()
	_, err := h.VerifyOTP("1", "not-a-hash")
	assert.ErrorIs(t, err, ErrInvalidHash)
	_, err = h.VerifyOTP("1", "bcrypt$1$a$b")
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestPhoneLookupHash(t *testing.T) {
	h := newTestHasher()
	a := h.PhoneLookupHash("+919876543210")
	assert.Equal(t, a, h.PhoneLookupHash("+919876543210"))
	assert.NotEqual(t, a, h.PhoneLookupHash("+919876543211"))
	assert.Len(t, a, 64)

	other := NewHasherWithPeppers(testParams, []*Pepper{{Value: "p", Version: 1}}, []byte("different"))
	assert.NotEqual(t, a, other.PhoneLookupHash("+919876543210"))
}

func TestParsePeppers(t *testing.T) {
	ps, err := parsePeppers([]string{"2:new", " 1:old ", ""})
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, 2, ps[0].Version)

	_, err = parsePeppers([]string{"nope"})
	assert.Error(t, err)
	_, err = parsePeppers([]string{"x:secret"})
	assert.Error(t, err)
}
