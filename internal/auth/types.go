package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role enumerates what an identity may do inside the tax backend.
type Role string

const (
	RoleAccountant Role = "ACCOUNTANT"
	RoleAdmin      Role = "ADMIN"
)

// DefaultRole is assigned to every self-registered identity.
const DefaultRole = RoleAccountant

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAccountant, RoleAdmin:
		return true
	default:
		return false
	}
}

// Identity is a registered user. Values are immutable; use the constructor
// and Deactivate to obtain validated copies.
type Identity struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	FullName     string
	Role         Role
	Active       bool
	CreatedAt    time.Time
}

// NewIdentity validates the inputs and returns an active identity with the default role.
func NewIdentity(email, passwordHash, fullName string, now time.Time) (Identity, error) {
	normalized, err := validateEmail(email)
	if err != nil {
		return Identity{}, err
	}
	if strings.TrimSpace(passwordHash) == "" {
		return Identity{}, fmt.Errorf("%w: password is required", ErrValidation)
	}
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return Identity{}, fmt.Errorf("%w: full name is required", ErrValidation)
	}
	return Identity{
		ID:           uuid.New(),
		Email:        normalized,
		PasswordHash: passwordHash,
		FullName:     fullName,
		Role:         DefaultRole,
		Active:       true,
		CreatedAt:    now.UTC(),
	}, nil
}

// Deactivate returns a copy of the identity with Active cleared.
// Deactivation is irreversible and may only happen once.
func (i Identity) Deactivate() (Identity, error) {
	if !i.Active {
		return Identity{}, fmt.Errorf("%w: identity is already deactivated", ErrValidation)
	}
	i.Active = false
	return i, nil
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) (string, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return "", fmt.Errorf("%w: email is required", ErrValidation)
	}
	local, domain, ok := strings.Cut(normalized, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", fmt.Errorf("%w: email format is invalid", ErrValidation)
	}
	return normalized, nil
}

// RefreshToken is a persisted, single-use refresh credential.
type RefreshToken struct {
	ID        string
	Token     string
	UserID    uuid.UUID
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// NewRefreshToken validates the inputs and returns an unrevoked token.
// The ID is left empty for the ledger to assign.
func NewRefreshToken(userID uuid.UUID, token string, expiresAt, now time.Time) (RefreshToken, error) {
	if userID == uuid.Nil {
		return RefreshToken{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if strings.TrimSpace(token) == "" {
		return RefreshToken{}, fmt.Errorf("%w: token is required", ErrValidation)
	}
	if expiresAt.IsZero() {
		return RefreshToken{}, fmt.Errorf("%w: expiry is required", ErrValidation)
	}
	return RefreshToken{
		Token:     token,
		UserID:    userID,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now.UTC(),
	}, nil
}

// Expired reports whether the expiry instant has been reached.
func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Usable reports whether the token can still be exchanged.
func (t RefreshToken) Usable(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}

// Principal is the identity proven by a verified access token.
type Principal struct {
	UserID uuid.UUID
	Email  string
	Role   Role
}

// CanDeactivate reports whether p may deactivate target. Admins may
// deactivate anyone; everyone else only themselves.
func (p Principal) CanDeactivate(target uuid.UUID) bool {
	return target == p.UserID || p.Role == RoleAdmin
}
