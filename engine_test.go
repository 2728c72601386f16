package vaultauth

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.SecretKey = bytes.Repeat([]byte{0x42}, 32)
	// Keep argon2 cheap in tests.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

type testEnv struct {
	engine    *Engine
	directory *memoryDirectory
	creds     *memoryCredentialStore
	recovery  *memoryRecoveryStore
	sms       *captureSender
	email     *captureSender
	redis     *miniredis.Miniredis
}

func newTestEngine(t *testing.T, cfg Config) (*testEnv, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)

	env := &testEnv{
		directory: newMemoryDirectory(),
		creds:     newMemoryCredentialStore(),
		recovery:  newMemoryRecoveryStore(),
		sms:       &captureSender{},
		email:     &captureSender{},
		redis:     mr,
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithDirectory(env.directory).
		WithCredentialStore(env.creds).
		WithRecoveryCodeStore(env.recovery).
		WithSMSSender(env.sms).
		WithEmailSender(env.email).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}
	env.engine = engine

	return env, func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	}
}

const testPassword = "correct horse battery"

// registerOwner creates a company with one owner and returns the owner
// plus a fully verified session token.
func registerOwner(t *testing.T, env *testEnv) (Principal, string, context.Context) {
	t.Helper()

	res, err := env.engine.Register(context.Background(), RegisterInput{
		CompanyName: "Acme",
		Email:       "owner@acme.test",
		Password:    testPassword,
		DisplayName: "Owner",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := WithCompanyID(context.Background(), res.Company.ID)
	login, err := env.engine.Login(ctx, res.Principal.Email, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !login.Done {
		t.Fatalf("expected login without MFA to complete, got %+v", login)
	}
	return res.Principal, login.Token, ctx
}

/*
====================================
IN-MEMORY COLLABORATORS
====================================
*/

type memoryDirectory struct {
	mu         sync.Mutex
	companies  map[string]Company
	principals map[string]Principal
	byEmail    map[string]string
	seq        int
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{
		companies:  map[string]Company{},
		principals: map[string]Principal{},
		byEmail:    map[string]string{},
	}
}

func emailKey(companyID, email string) string {
	return companyID + "\x00" + email
}

func (d *memoryDirectory) GetPrincipalByEmail(_ context.Context, companyID, email string) (Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byEmail[emailKey(companyID, email)]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return d.principals[id], nil
}

func (d *memoryDirectory) GetPrincipalByID(_ context.Context, principalID string) (Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[principalID]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}

func (d *memoryDirectory) CreateCompany(_ context.Context, name string) (Company, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.companies {
		if c.Name == name {
			return Company{}, ErrCompanyExists
		}
	}
	d.seq++
	c := Company{ID: fmt.Sprintf("c%d", d.seq), Name: name, CreatedAt: time.Now().UTC()}
	d.companies[c.ID] = c
	return c, nil
}

func (d *memoryDirectory) CreatePrincipal(_ context.Context, input CreatePrincipalInput) (Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := emailKey(input.CompanyID, input.Email)
	if _, exists := d.byEmail[key]; exists {
		return Principal{}, ErrPrincipalExists
	}
	d.seq++
	p := Principal{
		ID:           fmt.Sprintf("p%d", d.seq),
		CompanyID:    input.CompanyID,
		Email:        input.Email,
		DisplayName:  input.DisplayName,
		PasswordHash: input.PasswordHash,
		Role:         input.Role,
		CreatedByID:  input.CreatedByID,
		CreatedAt:    time.Now().UTC(),
	}
	d.principals[p.ID] = p
	d.byEmail[key] = p.ID
	return p, nil
}

func (d *memoryDirectory) UpdatePasswordHash(_ context.Context, principalID, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[principalID]
	if !ok {
		return ErrPrincipalNotFound
	}
	p.PasswordHash = hash
	d.principals[principalID] = p
	return nil
}

func (d *memoryDirectory) SetPhoneNumber(_ context.Context, principalID, phone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[principalID]
	if !ok {
		return ErrPrincipalNotFound
	}
	p.PhoneNumber = phone
	d.principals[principalID] = p
	return nil
}

func (d *memoryDirectory) UpdateMFA(_ context.Context, principalID string, update MFAUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[principalID]
	if !ok {
		return ErrPrincipalNotFound
	}
	p.MFAEnabled = update.Enabled
	p.MFAMethod = update.Method
	p.MFASecret = update.Secret
	d.principals[principalID] = p
	return nil
}

// setMFA mutates a principal directly, bypassing the engine, to seed
// enrollment states.
func (d *memoryDirectory) setMFA(t *testing.T, principalID string, enabled bool, method MFAMethod, secret []byte) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[principalID]
	if !ok {
		t.Fatalf("unknown principal %s", principalID)
	}
	p.MFAEnabled = enabled
	p.MFAMethod = method
	p.MFASecret = secret
	d.principals[principalID] = p
}

func (d *memoryDirectory) setRole(t *testing.T, principalID string, role Role) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[principalID]
	if !ok {
		t.Fatalf("unknown principal %s", principalID)
	}
	p.Role = role
	d.principals[principalID] = p
}

func (d *memoryDirectory) setPhone(t *testing.T, principalID, phone string) {
	t.Helper()
	if err := d.SetPhoneNumber(context.Background(), principalID, phone); err != nil {
		t.Fatalf("SetPhoneNumber: %v", err)
	}
}

type memoryCredentialStore struct {
	mu   sync.Mutex
	rows map[string]WebAuthnCredential
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{rows: map[string]WebAuthnCredential{}}
}

func (s *memoryCredentialStore) ListByPrincipal(_ context.Context, principalID string) ([]WebAuthnCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WebAuthnCredential
	for _, c := range s.rows {
		if c.PrincipalID == principalID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memoryCredentialStore) GetByCredentialID(_ context.Context, credentialID []byte) (WebAuthnCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.rows {
		if bytes.Equal(c.CredentialID, credentialID) {
			return c, nil
		}
	}
	return WebAuthnCredential{}, ErrCredentialNotFound
}

func (s *memoryCredentialStore) Create(_ context.Context, cred WebAuthnCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.rows {
		if bytes.Equal(c.CredentialID, cred.CredentialID) {
			return ErrCredentialExists
		}
	}
	s.rows[cred.ID] = cred
	return nil
}

func (s *memoryCredentialStore) UpdateSignCount(_ context.Context, id string, signCount uint32, lastUsedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok {
		return ErrCredentialNotFound
	}
	c.SignCount = signCount
	c.LastUsedAt = &lastUsedAt
	s.rows[id] = c
	return nil
}

func (s *memoryCredentialStore) DeleteByPrincipal(_ context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.rows {
		if c.PrincipalID == principalID {
			delete(s.rows, id)
		}
	}
	return nil
}

type memoryRecoveryStore struct {
	mu   sync.Mutex
	rows map[string]RecoveryCode
}

func newMemoryRecoveryStore() *memoryRecoveryStore {
	return &memoryRecoveryStore{rows: map[string]RecoveryCode{}}
}

func (s *memoryRecoveryStore) List(_ context.Context, principalID string) ([]RecoveryCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecoveryCode
	for _, r := range s.rows {
		if r.PrincipalID == principalID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memoryRecoveryStore) ReplaceUnused(_ context.Context, principalID string, batch []RecoveryCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rows {
		if r.PrincipalID == principalID && !r.Used {
			delete(s.rows, id)
		}
	}
	for _, r := range batch {
		s.rows[r.ID] = r
	}
	return nil
}

func (s *memoryRecoveryStore) MarkUsed(_ context.Context, codeID string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[codeID]
	if !ok || r.Used {
		return false, nil
	}
	r.Used = true
	r.UsedAt = &usedAt
	s.rows[codeID] = r
	return true, nil
}

func (s *memoryRecoveryStore) DeleteByPrincipal(_ context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rows {
		if r.PrincipalID == principalID {
			delete(s.rows, id)
		}
	}
	return nil
}

type captureSender struct {
	mu           sync.Mutex
	destinations []string
	codes        []string
	fail         bool
}

func (s *captureSender) Send(_ context.Context, destination, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("delivery refused")
	}
	s.destinations = append(s.destinations, destination)
	s.codes = append(s.codes, code)
	return nil
}

func (s *captureSender) lastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		t.Fatal("no code was sent")
	}
	return s.codes[len(s.codes)-1]
}
