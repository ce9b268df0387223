package password

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func fastConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
		MinLength:   1,
	}
}

func mustHasher(t *testing.T, cfg Config) *Hasher {
	t.Helper()
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return h
}

func TestHashVerifyRoundTrip(t *testing.T) {
	h := mustHasher(t, fastConfig())

	stored, err := h.Hash("hunter2")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(stored, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", stored)
	}

	ok, err := h.Verify("hunter2", stored)
	if err != nil || !ok {
		t.Fatalf("Verify(correct) = %v, %v", ok, err)
	}
	ok, err = h.Verify("hunter3", stored)
	if err != nil || ok {
		t.Fatalf("Verify(wrong) = %v, %v", ok, err)
	}
}

func TestHashUsesFreshSalt(t *testing.T) {
	h := mustHasher(t, fastConfig())
	a, _ := h.Hash("same-password")
	b, _ := h.Hash("same-password")
	if a == b {
		t.Fatal("expected different hashes for the same password")
	}
}

func TestHashRejectsShortAndEmpty(t *testing.T) {
	cfg := fastConfig()
	cfg.MinLength = 8
	h := mustHasher(t, cfg)

	if _, err := h.Hash(""); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := h.Hash("short"); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestVerifyAcceptsPaddedEncoding(t *testing.T) {
	h := mustHasher(t, fastConfig())
	stored, err := h.Hash("padded")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	parts := strings.Split(stored, "$")
	parts[4] += strings.Repeat("=", (4-len(parts[4])%4)%4)
	parts[5] += strings.Repeat("=", (4-len(parts[5])%4)%4)

	ok, err := h.Verify("padded", strings.Join(parts, "$"))
	if err != nil || !ok {
		t.Fatalf("Verify(padded) = %v, %v", ok, err)
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak := mustHasher(t, fastConfig())
	stored, err := weak.Hash("upgrade-me")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	if up, err := weak.NeedsUpgrade(stored); err != nil || up {
		t.Fatalf("same params NeedsUpgrade = %v, %v", up, err)
	}

	stronger := fastConfig()
	stronger.Time = 2
	if up, err := mustHasher(t, stronger).NeedsUpgrade(stored); err != nil || !up {
		t.Fatalf("stronger params NeedsUpgrade = %v, %v", up, err)
	}
}

func TestLegacyBcrypt(t *testing.T) {
	h := mustHasher(t, fastConfig())
	legacy, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt error: %v", err)
	}

	ok, err := h.Verify("hunter2", string(legacy))
	if err != nil || !ok {
		t.Fatalf("Verify(bcrypt) = %v, %v", ok, err)
	}
	ok, err = h.Verify("nope", string(legacy))
	if err != nil || ok {
		t.Fatalf("Verify(bcrypt wrong) = %v, %v", ok, err)
	}
	if up, _ := h.NeedsUpgrade(string(legacy)); !up {
		t.Fatal("expected bcrypt hash to need upgrade")
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	h := mustHasher(t, fastConfig())
	cases := []string{
		"",
		"plain",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$c2hvcnQ$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1,x=2$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
	}
	for _, c := range cases {
		if _, err := h.Verify("x", c); !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("Verify(%q) error = %v, want ErrInvalidHash", c, err)
		}
	}
}

func TestNewRejectsWeakConfig(t *testing.T) {
	cfg := fastConfig()
	cfg.Memory = 1024
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for low memory")
	}
	cfg = fastConfig()
	cfg.SaltLength = 8
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for short salt")
	}
}
