package secrets

import (
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()

	var key fernet.Key
	require.NoError(t, key.Generate())

	box, err := NewBox(key.Encode())
	require.NoError(t, err)

	return box
}

func TestNewBoxRejectsBadKeys(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "not-base64!!", "dG9vLXNob3J0"} {
		_, err := NewBox(key)
		assert.ErrorIs(t, err, ErrBadMasterKey, "key %q accepted", key)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	box := newTestBox(t)

	for _, plain := range []string{"pw", "", "пароль", "a-much-longer-shared-secret-value"} {
		cipher, err := box.Encrypt(plain)
		assert.NoError(t, err)
		assert.True(t, IsCiphertext(cipher))

		got, err := box.Decrypt(cipher)
		assert.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	t.Parallel()

	cipher, err := newTestBox(t).Encrypt("pw")
	require.NoError(t, err)

	_, err = newTestBox(t).Decrypt(cipher)
	assert.ErrorIs(t, err, ErrUndecryptable)
}

func TestOpenPassesPlaintextThrough(t *testing.T) {
	t.Parallel()

	box := newTestBox(t)

	plain, repaired, err := box.Open("pw")
	assert.NoError(t, err)
	assert.Equal(t, "pw", plain)
	assert.Empty(t, repaired)

	plain, repaired, err = box.Open("")
	assert.NoError(t, err)
	assert.Empty(t, plain)
	assert.Empty(t, repaired)
}

func TestOpenSingleLayerNeedsNoRepair(t *testing.T) {
	t.Parallel()

	box := newTestBox(t)

	cipher, err := box.Encrypt("pw")
	require.NoError(t, err)

	plain, repaired, err := box.Open(cipher)
	assert.NoError(t, err)
	assert.Equal(t, "pw", plain)
	assert.Empty(t, repaired)
}

func TestOpenRepairsNestedEncryption(t *testing.T) {
	t.Parallel()

	box := newTestBox(t)

	// E(E(E(pw)))
	stored := "pw"
	for i := 0; i < 3; i++ {
		var err error
		stored, err = box.Encrypt(stored)
		require.NoError(t, err)
	}

	plain, repaired, err := box.Open(stored)
	assert.NoError(t, err)
	assert.Equal(t, "pw", plain)
	require.NotEmpty(t, repaired)

	// the repaired value is a single layer envelope
	got, err := box.Decrypt(repaired)
	assert.NoError(t, err)
	assert.Equal(t, "pw", got)

	// repair is idempotent
	plain, again, err := box.Open(repaired)
	assert.NoError(t, err)
	assert.Equal(t, "pw", plain)
	assert.Empty(t, again)
}

func TestOpenKeepsPlaintextThatLooksLikeEnvelope(t *testing.T) {
	t.Parallel()

	box := newTestBox(t)

	cipher, err := box.Encrypt("gAAAA-not-actually-a-token")
	require.NoError(t, err)

	plain, repaired, err := box.Open(cipher)
	assert.NoError(t, err)
	assert.Equal(t, "gAAAA-not-actually-a-token", plain)
	assert.Empty(t, repaired)
}

func TestOpenUnreadableCiphertext(t *testing.T) {
	t.Parallel()

	cipher, err := newTestBox(t).Encrypt("pw")
	require.NoError(t, err)

	// master key changed, old ciphertexts no longer decrypt
	_, _, err = newTestBox(t).Open(cipher)
	assert.ErrorIs(t, err, ErrUndecryptable)
}
