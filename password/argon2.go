package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	argonID               = "argon2id"
)

var (
	// ErrInvalidHash is returned for stored hashes in an unknown or damaged format.
	ErrInvalidHash = errors.New("password: invalid hash format")
	// ErrTooShort is returned by Hash when the plaintext is under MinLength bytes.
	ErrTooShort = errors.New("password: too short")
	// ErrEmpty is returned by Hash for an empty plaintext.
	ErrEmpty = errors.New("password: empty")
)

// Config holds argon2id cost parameters. MinLength is a byte count applied
// only when hashing; verification never rejects on length.
type Config struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

// DefaultConfig returns the production cost parameters.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
		MinLength:   1,
	}
}

// Hasher hashes with argon2id and verifies argon2id or legacy bcrypt hashes.
// It is safe for concurrent use.
type Hasher struct {
	config Config
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

// New validates cfg and returns a Hasher.
func New(cfg Config) (*Hasher, error) {
	switch {
	case cfg.Memory < minMemoryKB:
		return nil, fmt.Errorf("password memory must be >= %d KiB", minMemoryKB)
	case cfg.Time < minTimeCost:
		return nil, errors.New("password time must be >= 1")
	case cfg.Parallelism < minParallelism:
		return nil, errors.New("password parallelism must be >= 1")
	case cfg.SaltLength < minSaltLength:
		return nil, fmt.Errorf("password salt length must be >= %d", minSaltLength)
	case cfg.KeyLength < minKeyLength:
		return nil, fmt.Errorf("password key length must be >= %d", minKeyLength)
	case cfg.MinLength < 0:
		return nil, errors.New("password min length must be >= 0")
	}
	return &Hasher{config: cfg}, nil
}

// Hash returns a PHC-encoded argon2id hash of plaintext with a fresh salt.
// Bytes are hashed as given, without Unicode normalization.
func (h *Hasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmpty
	}
	if len(plaintext) < h.config.MinLength {
		return "", fmt.Errorf("%w: need at least %d bytes", ErrTooShort, h.config.MinLength)
	}

	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(plaintext), salt, h.config.Time, h.config.Memory, h.config.Parallelism, h.config.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argonID, argon2.Version,
		h.config.Memory, h.config.Time, h.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plaintext matches stored. The comparison of
// derived keys is constant time.
func (h *Hasher) Verify(plaintext, stored string) (bool, error) {
	if isBcrypt(stored) {
		return verifyBcrypt(plaintext, stored)
	}
	p, err := parsePHC(stored)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(plaintext), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(key, p.key) == 1, nil
}

// NeedsUpgrade reports whether stored should be replaced by a fresh Hash.
func (h *Hasher) NeedsUpgrade(stored string) (bool, error) {
	if isBcrypt(stored) {
		return true, nil
	}
	p, err := parsePHC(stored)
	if err != nil {
		return false, err
	}
	return p.memory < h.config.Memory ||
		p.time < h.config.Time ||
		p.parallelism < h.config.Parallelism ||
		uint32(len(p.key)) != h.config.KeyLength, nil
}

func decodeB64(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func parsePHC(stored string) (*phc, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != argonID {
		return nil, ErrInvalidHash
	}

	version, ok := strings.CutPrefix(parts[2], "v=")
	if !ok {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidHash)
	}
	if v, err := strconv.Atoi(version); err != nil || v != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported version", ErrInvalidHash)
	}

	out := &phc{}
	seen := 0
	for _, pair := range strings.Split(parts[3], ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: bad parameter %q", ErrInvalidHash, pair)
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad parameter %q", ErrInvalidHash, pair)
		}
		switch name {
		case "m":
			if n < uint64(minMemoryKB) {
				return nil, fmt.Errorf("%w: memory too low", ErrInvalidHash)
			}
			out.memory = uint32(n)
		case "t":
			if n < uint64(minTimeCost) {
				return nil, fmt.Errorf("%w: time too low", ErrInvalidHash)
			}
			out.time = uint32(n)
		case "p":
			if n < uint64(minParallelism) || n > 255 {
				return nil, fmt.Errorf("%w: bad parallelism", ErrInvalidHash)
			}
			out.parallelism = uint8(n)
		default:
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrInvalidHash, name)
		}
		seen++
	}
	if seen != 3 || out.memory == 0 || out.time == 0 || out.parallelism == 0 {
		return nil, fmt.Errorf("%w: missing parameters", ErrInvalidHash)
	}

	salt, err := decodeB64(parts[4])
	if err != nil || len(salt) < int(minSaltLength) {
		return nil, fmt.Errorf("%w: bad salt", ErrInvalidHash)
	}
	key, err := decodeB64(parts[5])
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("%w: bad key", ErrInvalidHash)
	}
	out.salt = salt
	out.key = key
	return out, nil
}
