package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

type SessionID [16]byte

const (
	sessionTokenRawSize = 48
	sessionSecretSize   = 32
)

// RecoveryCodeAlphabet excludes 0/O/1/I to keep codes transcribable.
const RecoveryCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) Bytes() []byte {
	return s[:]
}

func (s SessionID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errors.New("invalid session id size")
	}

	copy(sid[:], raw)
	return sid, nil
}

func NewSessionSecret() ([sessionSecretSize]byte, error) {
	var secret [sessionSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashSessionSecret(secret [sessionSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeSessionToken packs sessionID and secret into the opaque bearer
// token handed to clients. Only the secret hash is persisted server-side.
func EncodeSessionToken(sessionID string, secret [sessionSecretSize]byte) (string, error) {
	sid, err := ParseSessionID(sessionID)
	if err != nil {
		return "", err
	}

	var raw [sessionTokenRawSize]byte
	copy(raw[:len(sid)], sid[:])
	copy(raw[len(sid):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeSessionToken(token string) (string, [sessionSecretSize]byte, error) {
	var secret [sessionSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != sessionTokenRawSize {
		return "", secret, errors.New("invalid session token size")
	}

	var sid SessionID
	copy(sid[:], raw[:len(sid)])
	copy(secret[:], raw[len(sid):])

	return sid.String(), secret, nil
}

// NewNumericCode returns a uniformly random zero-padded code of the
// given digit count, for SMS and email delivery.
func NewNumericCode(digits int) (string, error) {
	if digits <= 0 || digits > 10 {
		return "", errors.New("invalid code digit count")
	}

	bound := big.NewInt(1)
	for i := 0; i < digits; i++ {
		bound.Mul(bound, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", err
	}

	code := n.String()
	if pad := digits - len(code); pad > 0 {
		code = strings.Repeat("0", pad) + code
	}
	return code, nil
}

// NewRecoveryCode returns a random code over RecoveryCodeAlphabet.
func NewRecoveryCode(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("invalid recovery code length")
	}

	var sb strings.Builder
	sb.Grow(length)
	alphabetLen := big.NewInt(int64(len(RecoveryCodeAlphabet)))
	for i := 0; i < length; i++ {
		idx, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		sb.WriteByte(RecoveryCodeAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// FormatRecoveryCode inserts a dash every four characters for display.
func FormatRecoveryCode(code string) string {
	if len(code) <= 4 {
		return code
	}
	var sb strings.Builder
	for i := 0; i < len(code); i++ {
		if i > 0 && i%4 == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(code[i])
	}
	return sb.String()
}

// CanonicalizeRecoveryCode strips formatting separators and uppercases,
// so user input matches however the code was transcribed.
func CanonicalizeRecoveryCode(code string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t':
			return -1
		}
		return r
	}, code)
	return strings.ToUpper(strings.TrimSpace(cleaned))
}

func NewSalt(size int) ([]byte, error) {
	salt := make([]byte, size)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// HashRecoveryCode computes the salted verification hash for one code.
// Every stored code carries its own salt, so there is no shared lookup
// hash; verification is a linear scan over the unused batch.
func HashRecoveryCode(salt []byte, canonicalCode string) [32]byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(canonicalCode))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashOneTimeCode hashes a delivered SMS/email code for storage.
func HashOneTimeCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}
