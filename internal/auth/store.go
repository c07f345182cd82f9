package auth

import (
	"context"

	"github.com/google/uuid"
)

// CredentialStore persists identities.
type CredentialStore interface {
	Save(ctx context.Context, identity Identity) (Identity, error)
	FindByID(ctx context.Context, id uuid.UUID) (Identity, error)
	FindActiveByEmail(ctx context.Context, email string) (Identity, error)
	ExistsActiveByEmail(ctx context.Context, email string) (bool, error)
}

// RefreshTokenLedger records every issued refresh token and its revocation state.
//
// Revoke must be an atomic compare-and-set on the revoked flag: when two
// callers race on the same row exactly one gets nil, the other ErrAlreadyRevoked.
type RefreshTokenLedger interface {
	Create(ctx context.Context, token RefreshToken) (RefreshToken, error)
	FindByToken(ctx context.Context, value string) (RefreshToken, error)
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
}
