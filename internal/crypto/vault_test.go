package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datify-sh/datify/internal/apperr"
)

func TestVaultRoundTrip(t *testing.T) {
	v, err := NewVault("a sufficiently long master key for testing")
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", ciphertext)

	plaintext, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plaintext)
}

func TestVaultRejectsMissingKey(t *testing.T) {
	_, err := NewVault("")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeCryptoKeyMissing, appErr.Code)
}

func TestVaultRejectsTamperedCiphertext(t *testing.T) {
	v, err := NewVault("another sufficiently long master key")
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("s3cret")
	require.NoError(t, err)

	tampered := strings.Replace(ciphertext, ciphertext[len(ciphertext)-4:], "AAAA", 1)

	_, err = v.Decrypt(tampered)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeCryptoTampered, appErr.Code)
}

func TestVaultRejectsTruncatedBlob(t *testing.T) {
	v, err := NewVault("yet another sufficiently long master key")
	require.NoError(t, err)

	_, err = v.Decrypt("AA==")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeCryptoTampered, appErr.Code)
}

func TestDifferentMasterKeysProduceIncompatibleVaults(t *testing.T) {
	v1, err := NewVault("master key number one here")
	require.NoError(t, err)
	v2, err := NewVault("master key number two here")
	require.NoError(t, err)

	ciphertext, err := v1.Encrypt("payload")
	require.NoError(t, err)

	_, err = v2.Decrypt(ciphertext)
	require.Error(t, err)
}

func TestGeneratePasswordIsRandomAndRightLength(t *testing.T) {
	p1, err := GeneratePassword(24)
	require.NoError(t, err)
	p2, err := GeneratePassword(24)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.NotEmpty(t, p1)
	assert.Len(t, p1, 32) // 24 random bytes, unpadded base64url
}
