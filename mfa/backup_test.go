package mfa

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateBackupCodes(t *testing.T) {
	codes, err := GenerateBackupCodes(BackupCodeCount, BackupCodeLength)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := map[string]bool{}
	for _, c := range codes {
		assert.Len(t, c, 8)
		assert.True(t, numeric(c))
		assert.False(t, seen[c])
		seen[c] = true
	}

	_, err = GenerateBackupCodes(0, 8)
	assert.ErrorIs(t, err, ErrInvalidBackupCodeParams)
	_, err = GenerateBackupCodes(10, 3)
	assert.ErrorIs(t, err, ErrInvalidBackupCodeParams)
}

func TestHashAndMatch(t *testing.T) {
	hashes := HashBackupCodes("admin-1", []string{"11111111", "12345678"})
	assert.Len(t, hashes[0], 64)

	assert.Equal(t, 1, MatchBackupCode("admin-1", "1234-5678", hashes))
	assert.Equal(t, -1, MatchBackupCode("admin-2", "12345678", hashes))
	assert.Equal(t, -1, MatchBackupCode("admin-1", "00000000", hashes))
	assert.NotEqual(t, HashBackupCode("a", "12345678"), HashBackupCode("b", "12345678"))
}

func TestQRDataURI(t *testing.T) {
	uri, err := QRDataURI(Default().ProvisioningURI("Acme", "root", "JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))
}
