package vaultauth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Register creates a company and its first principal in one call. The
// registering principal becomes the company owner; members and further
// admins are provisioned under it and carry its ID as their creator.
func (e *Engine) Register(ctx context.Context, input RegisterInput) (*RegisterResult, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	companyName := strings.TrimSpace(input.CompanyName)
	if companyName == "" || !validEmail(email) {
		return nil, ErrRegistrationInvalid
	}
	if len(input.Password) < e.config.Password.MinLength {
		return nil, ErrPasswordPolicy
	}

	hash, err := e.passwordHash.Hash(input.Password)
	if err != nil {
		return nil, ErrPasswordPolicy
	}

	company, err := e.directory.CreateCompany(ctx, companyName)
	if err != nil {
		if errors.Is(err, ErrCompanyExists) {
			return nil, ErrCompanyExists
		}
		return nil, fmt.Errorf("%w: directory: %v", ErrBackendUnavailable, err)
	}

	principal, err := e.directory.CreatePrincipal(ctx, CreatePrincipalInput{
		CompanyID:    company.ID,
		Email:        email,
		DisplayName:  strings.TrimSpace(input.DisplayName),
		PasswordHash: hash,
		Role:         RoleOwner,
	})
	if err != nil {
		if errors.Is(err, ErrPrincipalExists) {
			return nil, ErrPrincipalExists
		}
		return nil, fmt.Errorf("%w: directory: %v", ErrBackendUnavailable, err)
	}

	e.metricInc(MetricRegistration)
	e.emitAudit(ctx, auditEventRegistration, true, principal.ID, company.ID, "", nil, func() map[string]string {
		return map[string]string{"company": company.Name}
	})
	return &RegisterResult{Company: company, Principal: principal}, nil
}

// CreatePrincipal provisions an additional account inside the caller's
// company. The caller must be an admin or owner; the new account records
// the caller as its creator, which later feeds the creator-protection
// rule on administrative MFA reset.
func (e *Engine) CreatePrincipal(ctx context.Context, token string, email, password, displayName string, role Role) (*Principal, error) {
	sess, err := e.requireSession(ctx, token, true)
	if err != nil {
		return nil, err
	}
	actor, err := e.principalByID(ctx, sess.PrincipalID)
	if err != nil {
		return nil, err
	}
	if actor.Role < RoleAdmin {
		return nil, ErrSessionForbidden
	}
	if role > actor.Role {
		return nil, ErrSessionForbidden
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if !validEmail(email) {
		return nil, ErrRegistrationInvalid
	}
	if len(password) < e.config.Password.MinLength {
		return nil, ErrPasswordPolicy
	}
	hash, err := e.passwordHash.Hash(password)
	if err != nil {
		return nil, ErrPasswordPolicy
	}

	principal, err := e.directory.CreatePrincipal(ctx, CreatePrincipalInput{
		CompanyID:    actor.CompanyID,
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: hash,
		Role:         role,
		CreatedByID:  actor.ID,
	})
	if err != nil {
		if errors.Is(err, ErrPrincipalExists) {
			return nil, ErrPrincipalExists
		}
		return nil, fmt.Errorf("%w: directory: %v", ErrBackendUnavailable, err)
	}

	e.metricInc(MetricRegistration)
	e.emitAudit(ctx, auditEventRegistration, true, principal.ID, actor.CompanyID, sess.SessionID, nil, func() map[string]string {
		return map[string]string{"created_by": actor.ID, "role": role.String()}
	})
	return &principal, nil
}

// validEmail accepts only a bare RFC 5322 address: display names and
// angle brackets, which net/mail would otherwise tolerate, are rejected
// by requiring the parsed address to round-trip unchanged.
func validEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
