package vaultauth

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/keyfortress/vaultauth/internal/limiters"
	"github.com/keyfortress/vaultauth/internal/stores"
	"github.com/keyfortress/vaultauth/jwt"
	"github.com/keyfortress/vaultauth/password"
	"github.com/keyfortress/vaultauth/session"
)

// Builder assembles an [Engine]. Configure with the With* methods, then
// call Build exactly once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	directory     Directory
	credentials   CredentialStore
	recoveryCodes RecoveryCodeStore
	ledger        Ledger
	auditSink     AuditSink
	smsSender     CodeSender
	emailSender   CodeSender

	built bool
}

// New returns a Builder carrying the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the configuration wholesale. Call it before any
// field-level With* methods.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client used for sessions, challenges,
// one-time codes and throttles.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithDirectory sets the persistent account backend. Required.
func (b *Builder) WithDirectory(d Directory) *Builder {
	b.directory = d
	return b
}

// WithCredentialStore sets the WebAuthn credential backend. Required
// when the relying party is configured.
func (b *Builder) WithCredentialStore(s CredentialStore) *Builder {
	b.credentials = s
	return b
}

// WithRecoveryCodeStore sets the recovery code backend. Required when
// recovery codes are enabled.
func (b *Builder) WithRecoveryCodeStore(s RecoveryCodeStore) *Builder {
	b.recoveryCodes = s
	return b
}

// WithLedger replaces the default Redis-backed ledger, typically with a
// SQL-backed implementation whose rows double as the compliance trail.
func (b *Builder) WithLedger(l Ledger) *Builder {
	b.ledger = l
	return b
}

// WithAuditSink sets the async observability sink. Events flow only when
// Audit.Enabled is also set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithSMSSender wires the SMS delivery channel.
func (b *Builder) WithSMSSender(s CodeSender) *Builder {
	b.smsSender = s
	return b
}

// WithEmailSender wires the email delivery channel.
func (b *Builder) WithEmailSender(s CodeSender) *Builder {
	b.emailSender = s
	return b
}

// WithMetricsEnabled toggles the counter set.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration, wires every subsystem and returns
// the ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.directory == nil {
		return nil, errors.New("directory required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.WebAuthn.IsConfigured() && b.credentials == nil {
		return nil, errors.New("webauthn requires a credential store")
	}
	if cfg.RecoveryCodes.Enabled && b.recoveryCodes == nil {
		return nil, errors.New("recovery codes require a recovery code store")
	}
	if len(cfg.SecretKey) == 0 {
		return nil, errors.New("SecretKey required")
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	rp, err := newRelyingParty(cfg.WebAuthn)
	if err != nil {
		return nil, err
	}

	var accessTokens *jwt.Manager
	if cfg.AccessToken.Enabled {
		accessTokens, err = jwt.NewManager(jwt.Config{
			AccessTTL:     cfg.AccessToken.TTL,
			SigningMethod: jwt.SigningMethod(cfg.AccessToken.SigningMethod),
			PrivateKey:    cfg.AccessToken.PrivateKey,
			PublicKey:     cfg.AccessToken.PublicKey,
			Issuer:        cfg.AccessToken.Issuer,
			Audience:      cfg.AccessToken.Audience,
			Leeway:        cfg.AccessToken.Leeway,
		})
		if err != nil {
			return nil, err
		}
	}

	ledger := b.ledger
	if ledger == nil {
		ledger = NewRedisLedger(b.redis, 0)
	}

	e := &Engine{
		config:        cfg,
		directory:     b.directory,
		credentials:   b.credentials,
		recoveryCodes: b.recoveryCodes,
		ledger:        ledger,
		rdb:           b.redis,
		sessions:      session.NewStore(b.redis, cfg.Session.RedisPrefix),
		challenges:    stores.NewChallengeStore(b.redis, "", cfg.WebAuthn.ChallengeTTL),
		oneTimeCodes:  stores.NewOneTimeCodeStore(b.redis, ""),
		mfaLimiter: limiters.NewMFALimiter(b.redis, limiters.MFAConfig{
			MaxAttempts: cfg.MFAThrottle.MaxAttempts,
			Cooldown:    cfg.MFAThrottle.Cooldown,
		}),
		rp:           rp,
		smsSender:    b.smsSender,
		emailSender:  b.emailSender,
		passwordHash: hasher,
		totp:         newTOTPManager(cfg.TOTP),
		accessTokens: accessTokens,
		audit:        newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:      NewMetrics(cfg.Metrics),
	}
	e.verifiers = newMethodVerifiers(e)

	b.built = true
	return e, nil
}
