package vaultauth

import (
	"errors"
	"time"
)

// Config carries all tunable behavior for the engine. Configure it before
// Build and treat it as immutable afterwards.
type Config struct {
	Lockout       LockoutConfig
	Session       SessionConfig
	Password      PasswordConfig
	TOTP          TOTPConfig
	OneTimeCode   OneTimeCodeConfig
	MFAThrottle   MFAThrottleConfig
	WebAuthn      WebAuthnConfig
	RecoveryCodes RecoveryCodeConfig
	Admin         AdminConfig
	AccessToken   AccessTokenConfig
	Audit         AuditConfig
	Metrics       MetricsConfig

	// SecretKey seals TOTP secrets at rest (XChaCha20-Poly1305). Must be
	// exactly 32 bytes when TOTP is in use.
	SecretKey []byte
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls the ledger-driven failed-login lockout. The
// counter is derived from appended failure events, never from a mutable
// per-account column, so it is monotonic within the window.
type LockoutConfig struct {
	MaxAttempts int
	Window      time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls opaque-token session storage in Redis.
// PendingLifetime bounds sessions issued before MFA verification;
// Lifetime applies after verification. SlidingRefresh is how much idle
// time may pass before LastActiveAt is rewritten on use; zero disables
// the rewrite.
type SessionConfig struct {
	RedisPrefix     string
	Lifetime        time.Duration
	PendingLifetime time.Duration
	SlidingRefresh  time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig tunes argon2id hashing. Memory is in KiB. When
// UpgradeOnLogin is set, a correct password verified against weaker
// parameters is rehashed and written back through the Directory.
type PasswordConfig struct {
	Memory         uint32
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	UpgradeOnLogin bool
}

/*
====================================
MFA CONFIG
====================================
*/

// TOTPConfig tunes RFC 6238 verification. Skew is the number of adjacent
// periods accepted on each side of the current one.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"

	// ProvisionTTL bounds how long an unconfirmed enrollment secret is
	// held before ConfirmTOTP must restart the flow.
	ProvisionTTL time.Duration
}

// OneTimeCodeConfig tunes SMS and email delivery codes.
type OneTimeCodeConfig struct {
	Digits      int
	TTL         time.Duration
	MaxAttempts int
}

// MFAThrottleConfig bounds failed second-factor attempts per principal.
// The throttle is separate from the password lockout ledger: MFA failures
// never count toward the login lockout because the attacker already
// proved knowledge of the password.
type MFAThrottleConfig struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// WebAuthnConfig identifies the relying party. WebAuthn operations return
// ErrWebAuthnNotConfigured until RPID, RPName and at least one origin are
// set. ChallengeTTL bounds stored ceremony challenges; each challenge is
// consumed at most once.
type WebAuthnConfig struct {
	RPID         string
	RPName       string
	RPOrigins    []string
	Timeout      time.Duration
	ChallengeTTL time.Duration
}

// IsConfigured reports whether the relying party can be constructed.
func (c WebAuthnConfig) IsConfigured() bool {
	return c.RPID != "" && c.RPName != "" && len(c.RPOrigins) > 0
}

// RecoveryCodeConfig tunes the fallback code batch. Length counts the
// random characters before dash formatting.
type RecoveryCodeConfig struct {
	Enabled bool
	Count   int
	Length  int
}

// AdminConfig gates administrative operations.
type AdminConfig struct {
	MFAResetEnabled bool
}

/*
====================================
ACCESS TOKEN CONFIG
====================================
*/

// AccessTokenConfig enables short-lived stateless JWTs minted from an
// existing session for gateways that cannot reach Redis on every hop.
// Disabled unless Enabled is set.
type AccessTokenConfig struct {
	Enabled       bool
	TTL           time.Duration
	SigningMethod string // "ed25519" (default), "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

// AuditConfig controls the async observability mirror. The durable ledger
// used for lockout decisions is always written synchronously regardless
// of these settings.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig enables atomic in-process counters.
type MetricsConfig struct {
	Enabled bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	return Config{
		Lockout: LockoutConfig{
			MaxAttempts: 5,
			Window:      15 * time.Minute,
		},
		Session: SessionConfig{
			RedisPrefix:     "vs",
			Lifetime:        7 * 24 * time.Hour,
			PendingLifetime: 10 * time.Minute,
			SlidingRefresh:  5 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      10,
			UpgradeOnLogin: true,
		},
		TOTP: TOTPConfig{
			Issuer:       "",
			Digits:       6,
			Period:       30,
			Skew:         1,
			Algorithm:    "SHA1",
			ProvisionTTL: 10 * time.Minute,
		},
		OneTimeCode: OneTimeCodeConfig{
			Digits:      6,
			TTL:         10 * time.Minute,
			MaxAttempts: 5,
		},
		MFAThrottle: MFAThrottleConfig{
			MaxAttempts: 5,
			Cooldown:    10 * time.Minute,
		},
		WebAuthn: WebAuthnConfig{
			Timeout:      60 * time.Second,
			ChallengeTTL: 3 * time.Minute,
		},
		RecoveryCodes: RecoveryCodeConfig{
			Enabled: true,
			Count:   10,
			Length:  10,
		},
		Admin: AdminConfig{
			MFAResetEnabled: true,
		},
		AccessToken: AccessTokenConfig{
			Enabled:       false,
			TTL:           5 * time.Minute,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.SecretKey = cloneBytes(cfg.SecretKey)
	out.AccessToken.PrivateKey = cloneBytes(cfg.AccessToken.PrivateKey)
	out.AccessToken.PublicKey = cloneBytes(cfg.AccessToken.PublicKey)
	out.WebAuthn.RPOrigins = append([]string(nil), cfg.WebAuthn.RPOrigins...)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate rejects configurations the engine cannot run safely with.
func (c *Config) Validate() error {
	// Lockout
	if c.Lockout.MaxAttempts <= 0 {
		return errors.New("Lockout MaxAttempts must be > 0")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("Lockout Window must be > 0")
	}

	// Session
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix must not be empty")
	}
	if c.Session.Lifetime <= 0 {
		return errors.New("Session Lifetime must be > 0")
	}
	if c.Session.PendingLifetime <= 0 || c.Session.PendingLifetime > c.Session.Lifetime {
		return errors.New("Session PendingLifetime must be > 0 and <= Lifetime")
	}
	if c.Session.SlidingRefresh < 0 {
		return errors.New("Session SlidingRefresh must be >= 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KiB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 10 {
		return errors.New("Password MinLength must be >= 10")
	}

	// TOTP
	if c.TOTP.Digits < 6 || c.TOTP.Digits > 10 {
		return errors.New("TOTP Digits must be between 6 and 10")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 2 {
		return errors.New("TOTP Skew must be between 0 and 2")
	}
	switch c.TOTP.Algorithm {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.TOTP.ProvisionTTL <= 0 {
		return errors.New("TOTP ProvisionTTL must be > 0")
	}

	// One-time codes
	if c.OneTimeCode.Digits < 6 || c.OneTimeCode.Digits > 10 {
		return errors.New("OneTimeCode Digits must be between 6 and 10")
	}
	if c.OneTimeCode.TTL <= 0 {
		return errors.New("OneTimeCode TTL must be > 0")
	}
	if c.OneTimeCode.MaxAttempts <= 0 {
		return errors.New("OneTimeCode MaxAttempts must be > 0")
	}

	// MFA throttle
	if c.MFAThrottle.MaxAttempts <= 0 {
		return errors.New("MFAThrottle MaxAttempts must be > 0")
	}
	if c.MFAThrottle.Cooldown <= 0 {
		return errors.New("MFAThrottle Cooldown must be > 0")
	}

	// WebAuthn
	if c.WebAuthn.IsConfigured() {
		if c.WebAuthn.Timeout <= 0 {
			return errors.New("WebAuthn Timeout must be > 0")
		}
		if c.WebAuthn.ChallengeTTL <= 0 {
			return errors.New("WebAuthn ChallengeTTL must be > 0")
		}
	}

	// Recovery codes
	if c.RecoveryCodes.Enabled {
		if c.RecoveryCodes.Count < 1 || c.RecoveryCodes.Count > 50 {
			return errors.New("RecoveryCodes Count must be between 1 and 50")
		}
		if c.RecoveryCodes.Length < 8 {
			return errors.New("RecoveryCodes Length must be >= 8")
		}
	}

	// Access tokens
	if c.AccessToken.Enabled {
		if c.AccessToken.TTL <= 0 {
			return errors.New("AccessToken TTL must be > 0")
		}
		switch c.AccessToken.SigningMethod {
		case "ed25519":
			if len(c.AccessToken.PrivateKey) == 0 || len(c.AccessToken.PublicKey) == 0 {
				return errors.New("ed25519 access tokens require PrivateKey and PublicKey")
			}
		case "hs256":
			if len(c.AccessToken.PrivateKey) == 0 {
				return errors.New("hs256 access tokens require PrivateKey")
			}
		default:
			return errors.New("unsupported AccessToken signing method")
		}
	}

	// Sealing key
	if len(c.SecretKey) != 0 && len(c.SecretKey) != 32 {
		return errors.New("SecretKey must be exactly 32 bytes")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	return nil
}
