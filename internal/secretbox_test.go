package internal

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	plaintext := []byte("totp-shared-secret")

	sealed, err := SealSecret(key, plaintext)
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed output leaks the plaintext")
	}

	opened, err := OpenSecret(key, sealed)
	if err != nil {
		t.Fatalf("OpenSecret failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)

	a, err := SealSecret(key, []byte("same"))
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}
	b, err := SealSecret(key, []byte("same"))
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("sealing must use a fresh nonce per call")
	}
}

func TestOpenRejectsWrongKeyAndTampering(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	other := bytes.Repeat([]byte{0x43}, 32)

	sealed, err := SealSecret(key, []byte("secret"))
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}

	if _, err := OpenSecret(other, sealed); err == nil {
		t.Fatal("wrong key must fail authentication")
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := OpenSecret(key, tampered); err == nil {
		t.Fatal("tampered ciphertext must fail authentication")
	}

	if _, err := OpenSecret(key, sealed[:10]); err == nil {
		t.Fatal("truncated input must be rejected")
	}
}

func TestSealRequires32ByteKey(t *testing.T) {
	if _, err := SealSecret([]byte("short"), []byte("x")); err == nil {
		t.Fatal("short key must be rejected")
	}
}
