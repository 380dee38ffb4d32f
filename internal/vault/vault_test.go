package vault

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aionixone/openact/internal/openacterr"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := New(key)
	require.NoError(t, err)
	return v
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t)
	plaintext := []byte("super-secret-token-value")
	aad := []byte("trn:openact:acme:connection/github")

	sealed, err := v.Encrypt(plaintext, aad)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sealed.KeyVersion)

	got, err := v.Decrypt(sealed, aad)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, got))
}

func TestDecryptWrongAADFails(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Encrypt([]byte("x"), []byte("trn-a"))
	require.NoError(t, err)

	_, err = v.Decrypt(sealed, []byte("trn-b"))
	require.Error(t, err)
	assert.Equal(t, openacterr.KindCrypto, openacterr.KindOf(err))
}

func TestRotationKeepsOldVersionsDecryptable(t *testing.T) {
	v := newTestVault(t)
	aad := []byte("trn")
	sealedV1, err := v.Encrypt([]byte("first"), aad)
	require.NoError(t, err)

	newKey := make([]byte, 32)
	_, err = rand.Read(newKey)
	require.NoError(t, err)
	require.NoError(t, v.Rotate(2, newKey))

	sealedV2, err := v.Encrypt([]byte("second"), aad)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), sealedV2.KeyVersion)

	got1, err := v.Decrypt(sealedV1, aad)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got1))

	got2, err := v.Decrypt(sealedV2, aad)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got2))
}

func TestNewRejectsWrongLength(t *testing.T) {
	_, err := New([]byte("too-short"))
	require.Error(t, err)
	assert.Equal(t, openacterr.KindCrypto, openacterr.KindOf(err))
}

func TestNewFromHex(t *testing.T) {
	v, err := NewFromHex("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	sealed, err := v.Encrypt([]byte("hi"), nil)
	require.NoError(t, err)
	got, err := v.Decrypt(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

func TestUnknownKeyVersion(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Decrypt(Sealed{Ciphertext: []byte("x"), Nonce: make([]byte, nonceSize), KeyVersion: 99}, nil)
	require.Error(t, err)
	assert.Equal(t, openacterr.KindCrypto, openacterr.KindOf(err))
}
