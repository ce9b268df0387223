package mfa

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/MrEthical07/authcore/internal"
)

// Backup code defaults.
const (
	BackupCodeCount  = 10
	BackupCodeLength = 8
)

// ErrInvalidBackupCodeParams is returned for out-of-range count or length.
var ErrInvalidBackupCodeParams = errors.New("mfa: invalid backup code parameters")

// GenerateBackupCodes returns count random numeric codes of the given length.
func GenerateBackupCodes(count, length int) ([]string, error) {
	if count <= 0 || count > 100 {
		return nil, ErrInvalidBackupCodeParams
	}
	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for len(codes) < count {
		code, err := internal.NewDigits(length)
		if err != nil {
			return nil, ErrInvalidBackupCodeParams
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// NormalizeBackupCode strips spaces and dashes users tend to type.
func NormalizeBackupCode(code string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(code))
}

// HashBackupCode is the stored form of a code: hex SHA-256 of
// "subject:code". Binding the subject keeps equal codes of different
// accounts distinct.
func HashBackupCode(subject, code string) string {
	sum := sha256.Sum256([]byte(subject + ":" + NormalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}

// HashBackupCodes hashes every code for subject.
func HashBackupCodes(subject string, codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = HashBackupCode(subject, c)
	}
	return out
}

// MatchBackupCode returns the index of code's hash in hashes, or -1.
// Every entry is compared so timing does not reveal the position.
func MatchBackupCode(subject, code string, hashes []string) int {
	want := []byte(HashBackupCode(subject, code))
	idx := -1
	for i, h := range hashes {
		if subtle.ConstantTimeCompare(want, []byte(h)) == 1 && idx < 0 {
			idx = i
		}
	}
	return idx
}
