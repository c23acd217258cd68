package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSealRoundTrip(t *testing.T) {
	t.Setenv("TOKEN_ENCRYPTION_KEY", strings.Repeat("k", 32))

	sealed, err := Encrypt([]byte("access-sandbox-123"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "access-sandbox")

	opened, err := Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "access-sandbox-123", string(opened))
}

func TestTokenSealRejectsShortKey(t *testing.T) {
	t.Setenv("TOKEN_ENCRYPTION_KEY", "too-short")

	_, err := Encrypt([]byte("anything"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 byte key")
}

func TestDecryptRejectsTamperedPayload(t *testing.T) {
	t.Setenv("TOKEN_ENCRYPTION_KEY", strings.Repeat("k", 32))

	sealed, err := Encrypt([]byte("access-sandbox-123"))
	require.NoError(t, err)

	raw := []byte(sealed)
	raw[len(raw)-5] ^= 1
	_, err = Decrypt(string(raw))
	assert.Error(t, err)
}

func TestDecryptRejectsTruncatedPayload(t *testing.T) {
	t.Setenv("TOKEN_ENCRYPTION_KEY", strings.Repeat("k", 32))

	_, err := Decrypt("c2hvcnQ=")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}
