package vaultauth

import (
	"context"
	"encoding/base32"
	"errors"
	"testing"
	"time"

	"github.com/keyfortress/vaultauth/internal"
)

// totpCodeFor computes the current code for a raw shared secret using
// the default 6-digit/30s/SHA1 parameters.
func totpCodeFor(t *testing.T, secret []byte) string {
	t.Helper()
	return totpCodeAt(t, secret, 0)
}

// totpCodeAt computes the code some number of time steps away from now.
// An offset within the configured skew still verifies, which lets tests
// produce a fresh counter after the current one has been consumed.
func totpCodeAt(t *testing.T, secret []byte, offset int64) string {
	t.Helper()
	code, err := hotpCode(secret, time.Now().Unix()/30+offset, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	return code
}

// seedTOTP enrolls the principal with a known raw secret, bypassing the
// provisioning ceremony.
func seedTOTP(t *testing.T, env *testEnv, cfg Config, principalID string) []byte {
	t.Helper()
	raw := []byte("12345678901234567890")
	sealed, err := internal.SealSecret(cfg.SecretKey, raw)
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}
	env.directory.setMFA(t, principalID, true, MFAMethodTOTP, sealed)
	return raw
}

func loginPending(t *testing.T, env *testEnv, ctx context.Context, email string, method MFAMethod) *LoginResult {
	t.Helper()
	login, err := env.engine.Login(ctx, email, testPassword)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !login.MFARequired || login.Method != method {
		t.Fatalf("expected %s verification required, got %+v", method, login)
	}
	return login
}

func TestTOTPVerificationRotatesSession(t *testing.T) {
	cfg := testConfig()
	env, done := newTestEngine(t, cfg)
	defer done()

	owner, _, ctx := registerOwner(t, env)
	raw := seedTOTP(t, env, cfg, owner.ID)

	login := loginPending(t, env, ctx, owner.Email, MFAMethodTOTP)

	res, err := env.engine.VerifyMFA(ctx, login.Token, totpCodeFor(t, raw))
	if err != nil {
		t.Fatalf("VerifyMFA failed: %v", err)
	}
	if !res.Done || res.Token == "" {
		t.Fatalf("expected completed login, got %+v", res)
	}
	if res.Token == login.Token {
		t.Fatal("verification must rotate the token, not promote it")
	}
	if !res.Session.MFAVerified {
		t.Fatal("rotated session must be marked verified")
	}

	// The pre-verification token is dead.
	if _, err := env.engine.CurrentUser(ctx, login.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected old token revoked, got %v", err)
	}
	// The new one is fully usable.
	if _, err := env.engine.ListSessions(ctx, res.Token); err != nil {
		t.Fatalf("ListSessions with rotated token failed: %v", err)
	}
}

func TestTOTPCodeIsSingleUsePerTimeStep(t *testing.T) {
	cfg := testConfig()
	env, done := newTestEngine(t, cfg)
	defer done()

	owner, _, ctx := registerOwner(t, env)
	raw := seedTOTP(t, env, cfg, owner.ID)

	first := loginPending(t, env, ctx, owner.Email, MFAMethodTOTP)
	second := loginPending(t, env, ctx, owner.Email, MFAMethodTOTP)

	code := totpCodeFor(t, raw)
	if _, err := env.engine.VerifyMFA(ctx, first.Token, code); err != nil {
		t.Fatalf("first verification failed: %v", err)
	}

	// The identical code against another pending session must not mint a
	// second verified session.
	if _, err := env.engine.VerifyMFA(ctx, second.Token, code); !errors.Is(err, ErrMFACodeReplayed) {
		t.Fatalf("expected ErrMFACodeReplayed on reuse, got %v", err)
	}

	// The next time step is accepted as usual.
	if _, err := env.engine.VerifyMFA(ctx, second.Token, totpCodeAt(t, raw, 1)); err != nil {
		t.Fatalf("verification with the next step failed: %v", err)
	}
}

func TestTOTPWrongCodeIsRejectedAndThrottled(t *testing.T) {
	cfg := testConfig()
	cfg.MFAThrottle.MaxAttempts = 3
	env, done := newTestEngine(t, cfg)
	defer done()

	owner, _, ctx := registerOwner(t, env)
	seedTOTP(t, env, cfg, owner.ID)

	login := loginPending(t, env, ctx, owner.Email, MFAMethodTOTP)

	for i := 0; i < 3; i++ {
		if _, err := env.engine.VerifyMFA(ctx, login.Token, "000000"); !errors.Is(err, ErrMFACodeInvalid) {
			t.Fatalf("attempt %d: expected ErrMFACodeInvalid, got %v", i+1, err)
		}
	}
	if _, err := env.engine.VerifyMFA(ctx, login.Token, "000000"); !errors.Is(err, ErrMFARateLimited) {
		t.Fatalf("expected ErrMFARateLimited after exhausting attempts, got %v", err)
	}
}

func TestMFAFailuresDoNotFeedPasswordLockout(t *testing.T) {
	cfg := testConfig()
	cfg.Lockout.MaxAttempts = 2
	cfg.MFAThrottle.MaxAttempts = 10
	env, done := newTestEngine(t, cfg)
	defer done()

	owner, _, ctx := registerOwner(t, env)
	raw := seedTOTP(t, env, cfg, owner.ID)

	login := loginPending(t, env, ctx, owner.Email, MFAMethodTOTP)
	for i := 0; i < 5; i++ {
		_, _ = env.engine.VerifyMFA(ctx, login.Token, "000000")
	}

	// A fresh password login still succeeds: MFA failures are throttled
	// separately and never count toward the password lockout window.
	again := loginPending(t, env, ctx, owner.Email, MFAMethodTOTP)
	if _, err := env.engine.VerifyMFA(ctx, again.Token, totpCodeFor(t, raw)); err != nil {
		t.Fatalf("verification after MFA failures elsewhere failed: %v", err)
	}
}

func TestVerifyMFARequiresPendingSession(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	_, token, ctx := registerOwner(t, env)

	// The owner's session is already verified; there is nothing pending.
	if _, err := env.engine.VerifyMFA(ctx, token, "000000"); !errors.Is(err, ErrMFANotPending) {
		t.Fatalf("expected ErrMFANotPending, got %v", err)
	}
}

func TestTOTPProvisionAndConfirm(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	owner, token, ctx := registerOwner(t, env)

	prov, err := env.engine.ProvisionTOTP(ctx, token)
	if err != nil {
		t.Fatalf("ProvisionTOTP failed: %v", err)
	}
	if prov.Secret == "" || prov.URI == "" {
		t.Fatalf("incomplete provision payload: %+v", prov)
	}

	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(prov.Secret)
	if err != nil {
		t.Fatalf("provisioned secret is not base32: %v", err)
	}

	// A wrong code leaves the parked secret intact so the same QR can
	// be retried.
	if err := env.engine.SetupMFA(ctx, token, MFAMethodTOTP, "000000"); !errors.Is(err, ErrMFACodeInvalid) {
		t.Fatalf("expected ErrMFACodeInvalid, got %v", err)
	}
	confirm := totpCodeFor(t, raw)
	if err := env.engine.SetupMFA(ctx, token, MFAMethodTOTP, confirm); err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}

	// Enrollment is effective on the next login. The confirmation code
	// consumed its time step, so logging in takes the next one.
	login := loginPending(t, env, ctx, owner.Email, MFAMethodTOTP)
	if _, err := env.engine.VerifyMFA(ctx, login.Token, confirm); !errors.Is(err, ErrMFACodeReplayed) {
		t.Fatalf("expected the confirmation step to be spent, got %v", err)
	}
	if _, err := env.engine.VerifyMFA(ctx, login.Token, totpCodeAt(t, raw, 1)); err != nil {
		t.Fatalf("VerifyMFA with enrolled secret failed: %v", err)
	}
}

func TestTOTPConfirmWithoutProvisionIsSetupRequired(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	_, token, ctx := registerOwner(t, env)

	if err := env.engine.SetupMFA(ctx, token, MFAMethodTOTP, "123456"); !errors.Is(err, ErrMFASetupRequired) {
		t.Fatalf("expected ErrMFASetupRequired, got %v", err)
	}
}

func TestSMSCodeRoundTrip(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	owner, _, ctx := registerOwner(t, env)
	env.directory.setPhone(t, owner.ID, "+15550100")
	env.directory.setMFA(t, owner.ID, true, MFAMethodSMS, nil)

	login := loginPending(t, env, ctx, owner.Email, MFAMethodSMS)

	if err := env.engine.SendSMSCode(ctx, login.Token); err != nil {
		t.Fatalf("SendSMSCode failed: %v", err)
	}
	code := env.sms.lastCode(t)

	res, err := env.engine.VerifySMSCode(ctx, login.Token, code)
	if err != nil {
		t.Fatalf("VerifySMSCode failed: %v", err)
	}
	if !res.Done {
		t.Fatalf("expected completed login, got %+v", res)
	}

	// The delivered code is single use: a replay against the rotated
	// flow must fail.
	replay := loginPending(t, env, ctx, owner.Email, MFAMethodSMS)
	if _, err := env.engine.VerifySMSCode(ctx, replay.Token, code); !errors.Is(err, ErrMFACodeInvalid) {
		t.Fatalf("expected replayed code rejected, got %v", err)
	}
}

func TestSMSResendSupersedesPreviousCode(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	owner, _, ctx := registerOwner(t, env)
	env.directory.setPhone(t, owner.ID, "+15550100")
	env.directory.setMFA(t, owner.ID, true, MFAMethodSMS, nil)

	login := loginPending(t, env, ctx, owner.Email, MFAMethodSMS)

	if err := env.engine.SendSMSCode(ctx, login.Token); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	first := env.sms.lastCode(t)
	if err := env.engine.SendSMSCode(ctx, login.Token); err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	second := env.sms.lastCode(t)

	if first != second {
		if _, err := env.engine.VerifySMSCode(ctx, login.Token, first); !errors.Is(err, ErrMFACodeInvalid) {
			t.Fatalf("superseded code must be rejected, got %v", err)
		}
	}
	if _, err := env.engine.VerifySMSCode(ctx, login.Token, second); err != nil {
		t.Fatalf("latest code must verify, got %v", err)
	}
}

func TestEmailCodeRoundTrip(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	owner, _, ctx := registerOwner(t, env)
	env.directory.setMFA(t, owner.ID, true, MFAMethodEmail, nil)

	login := loginPending(t, env, ctx, owner.Email, MFAMethodEmail)

	if err := env.engine.SendEmailCode(ctx, login.Token); err != nil {
		t.Fatalf("SendEmailCode failed: %v", err)
	}
	res, err := env.engine.VerifyEmailCode(ctx, login.Token, env.email.lastCode(t))
	if err != nil {
		t.Fatalf("VerifyEmailCode failed: %v", err)
	}
	if !res.Done {
		t.Fatalf("expected completed login, got %+v", res)
	}
}

func TestChannelVerifierRejectsMethodMismatch(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	owner, _, ctx := registerOwner(t, env)
	env.directory.setMFA(t, owner.ID, true, MFAMethodEmail, nil)

	login := loginPending(t, env, ctx, owner.Email, MFAMethodEmail)

	if _, err := env.engine.VerifySMSCode(ctx, login.Token, "123456"); !errors.Is(err, ErrMFAMethodMismatch) {
		t.Fatalf("expected ErrMFAMethodMismatch, got %v", err)
	}
}

func TestSendCodeFailureInvalidatesStoredCode(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	owner, _, ctx := registerOwner(t, env)
	env.directory.setMFA(t, owner.ID, true, MFAMethodEmail, nil)

	login := loginPending(t, env, ctx, owner.Email, MFAMethodEmail)

	env.email.fail = true
	if err := env.engine.SendEmailCode(ctx, login.Token); err == nil {
		t.Fatal("expected delivery failure to surface")
	}
	env.email.fail = false

	// Nothing verifiable should survive the failed delivery.
	if _, err := env.engine.VerifyEmailCode(ctx, login.Token, "000000"); !errors.Is(err, ErrMFACodeInvalid) {
		t.Fatalf("expected ErrMFACodeInvalid, got %v", err)
	}
}

func TestSetupSMSRequiresPhoneNumber(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	_, token, ctx := registerOwner(t, env)

	if err := env.engine.SetupMFA(ctx, token, MFAMethodSMS, "123456"); !errors.Is(err, ErrPhoneNumberMissing) {
		t.Fatalf("expected ErrPhoneNumberMissing, got %v", err)
	}
}

func TestSetupSMSEnrollsAfterCodeProof(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	owner, token, ctx := registerOwner(t, env)

	if err := env.engine.SetPhoneNumber(ctx, token, "+15550100"); err != nil {
		t.Fatalf("SetPhoneNumber failed: %v", err)
	}
	if err := env.engine.SendSMSCode(ctx, token); err != nil {
		t.Fatalf("SendSMSCode failed: %v", err)
	}
	if err := env.engine.SetupMFA(ctx, token, MFAMethodSMS, env.sms.lastCode(t)); err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}

	login := loginPending(t, env, ctx, owner.Email, MFAMethodSMS)
	if login.Token == "" {
		t.Fatal("expected a pending token after enrollment")
	}
}
