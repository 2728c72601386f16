package password

import (
	"strings"
	"testing"
)

func cheapConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
}

func TestHashVerifyRoundTrip(t *testing.T) {
	h, err := NewHasher(cheapConfig())
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	encoded, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("not a PHC string: %q", encoded)
	}

	ok, err := h.Verify("correct horse battery", encoded)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("correct password rejected")
	}

	ok, err = h.Verify("wrong password!!", encoded)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Fatal("wrong password accepted")
	}
}

func TestHashesAreSalted(t *testing.T) {
	h, err := NewHasher(cheapConfig())
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	a, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	b, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if a == b {
		t.Fatal("identical hashes for identical passwords imply a fixed salt")
	}
}

func TestHashRejectsShortPassword(t *testing.T) {
	h, err := NewHasher(cheapConfig())
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	if _, err := h.Hash("short"); err == nil {
		t.Fatal("expected short password to be rejected")
	}
}

func TestVerifyUsesEmbeddedParameters(t *testing.T) {
	weak, err := NewHasher(cheapConfig())
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	encoded, err := weak.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	// A hasher configured with stronger parameters still verifies the
	// old hash, because verification reads the PHC parameters.
	strong, err := NewHasher(Config{Memory: 16 * 1024, Time: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	ok, err := strong.Verify("correct horse battery", encoded)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("legacy hash must verify under stronger config")
	}

	upgrade, err := strong.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("NeedsUpgrade failed: %v", err)
	}
	if !upgrade {
		t.Fatal("weaker hash must report upgrade needed")
	}
	self, err := weak.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("NeedsUpgrade failed: %v", err)
	}
	if self {
		t.Fatal("hash at configured strength must not report upgrade")
	}
}

func TestVerifyRejectsMalformedPHC(t *testing.T) {
	h, err := NewHasher(cheapConfig())
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	for _, encoded := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=8192,t=1,p=1$AAAA$BBBB",
		"$argon2id$v=19$m=bogus,t=1,p=1$AAAA$BBBB",
		"$argon2id$v=19$m=8192,t=1,p=1$not-base64!$BBBB",
	} {
		if _, err := h.Verify("correct horse battery", encoded); err == nil {
			t.Fatalf("expected malformed hash %q to error", encoded)
		}
	}
}

func TestNewHasherRejectsWeakParameters(t *testing.T) {
	cases := []Config{
		{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16},
		{Memory: 8 * 1024, Time: 0, Parallelism: 1, SaltLength: 16, KeyLength: 16},
		{Memory: 8 * 1024, Time: 1, Parallelism: 0, SaltLength: 16, KeyLength: 16},
		{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16},
		{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 8},
	}
	for i, cfg := range cases {
		if _, err := NewHasher(cfg); err == nil {
			t.Fatalf("case %d: expected weak config to be rejected", i)
		}
	}
}
