package vaultauth

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterCreatesCompanyAndOwner(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	res, err := env.engine.Register(context.Background(), RegisterInput{
		CompanyName: "Acme",
		Email:       "Owner@Acme.Test",
		Password:    testPassword,
		DisplayName: "Owner",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if res.Company.ID == "" || res.Principal.ID == "" {
		t.Fatalf("incomplete result: %+v", res)
	}
	if res.Principal.Role != RoleOwner {
		t.Fatalf("first principal must be the owner, got %v", res.Principal.Role)
	}
	if res.Principal.Email != "owner@acme.test" {
		t.Fatalf("email must be normalized, got %q", res.Principal.Email)
	}
	if res.Principal.CreatedByID != "" {
		t.Fatalf("the owner has no creator, got %q", res.Principal.CreatedByID)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	_, err := env.engine.Register(context.Background(), RegisterInput{
		CompanyName: "Acme",
		Email:       "owner@acme.test",
		Password:    "short",
		DisplayName: "Owner",
	})
	if !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
}

func TestRegisterRejectsMalformedEmail(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	for _, email := range []string{"", "no-at-sign", "@acme.test", "owner@", "two words@acme.test", "owner <owner@acme.test>"} {
		_, err := env.engine.Register(context.Background(), RegisterInput{
			CompanyName: "Acme",
			Email:       email,
			Password:    testPassword,
			DisplayName: "Owner",
		})
		if !errors.Is(err, ErrRegistrationInvalid) {
			t.Fatalf("email %q: expected ErrRegistrationInvalid, got %v", email, err)
		}
	}
}

func TestCreatePrincipalRejectsDuplicateEmail(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	_, token, ctx := registerOwner(t, env)

	if _, err := env.engine.CreatePrincipal(ctx, token, "bob@acme.test", testPassword, "Bob", RoleMember); err != nil {
		t.Fatalf("CreatePrincipal failed: %v", err)
	}
	_, err := env.engine.CreatePrincipal(ctx, token, "bob@acme.test", testPassword, "Bob Again", RoleMember)
	if !errors.Is(err, ErrPrincipalExists) {
		t.Fatalf("expected ErrPrincipalExists, got %v", err)
	}
}

func TestCreatePrincipalEnforcesRoleCeiling(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	_, ownerToken, ctx := registerOwner(t, env)

	admin, err := env.engine.CreatePrincipal(ctx, ownerToken, "carol@acme.test", testPassword, "Carol", RoleAdmin)
	if err != nil {
		t.Fatalf("CreatePrincipal failed: %v", err)
	}
	adminToken := loginDone(t, env, ctx, admin.Email)

	// An admin cannot mint an owner.
	_, err = env.engine.CreatePrincipal(ctx, adminToken, "eve@acme.test", testPassword, "Eve", RoleOwner)
	if !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("expected ErrSessionForbidden, got %v", err)
	}

	// A member cannot create accounts at all.
	member, err := env.engine.CreatePrincipal(ctx, ownerToken, "bob@acme.test", testPassword, "Bob", RoleMember)
	if err != nil {
		t.Fatalf("CreatePrincipal failed: %v", err)
	}
	memberToken := loginDone(t, env, ctx, member.Email)
	_, err = env.engine.CreatePrincipal(ctx, memberToken, "mallory@acme.test", testPassword, "Mallory", RoleMember)
	if !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("expected ErrSessionForbidden, got %v", err)
	}
}

func TestSameEmailAcrossCompaniesIsAllowed(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	registerOwner(t, env)

	_, err := env.engine.Register(context.Background(), RegisterInput{
		CompanyName: "Globex",
		Email:       "owner@acme.test",
		Password:    testPassword,
		DisplayName: "Same Address Elsewhere",
	})
	if err != nil {
		t.Fatalf("email uniqueness must be scoped per company: %v", err)
	}
}
