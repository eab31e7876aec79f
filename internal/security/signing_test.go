package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	sig := kp.Sign([]byte("step record"))
	ok, err := VerifySignatureFromHex(kp.PublicHex(), []byte("step record"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignatureFromHex(kp.PublicHex(), []byte("other record"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsureKeyPairGeneratesOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	first, created, err := EnsureKeyPair(dir)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := EnsureKeyPair(dir)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Public, second.Public)
	assert.Equal(t, first.Private, second.Private)
}

func TestLoadPublicKeyRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pub")
	require.NoError(t, os.WriteFile(path, []byte("abcd"), 0o600))

	_, err := LoadPublicKey(path)
	assert.ErrorIs(t, err, ErrPublicKeySize)
}
