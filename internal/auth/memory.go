package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"taxmanager.org/internal/ids"
)

var (
	_ CredentialStore    = (*InMemory)(nil)
	_ RefreshTokenLedger = (*InMemory)(nil)
)

// InMemory implements CredentialStore and RefreshTokenLedger with
// in-process concurrency safety. Intended for tests and local runs.
type InMemory struct {
	mu         sync.RWMutex
	identities map[uuid.UUID]Identity
	tokens     map[string]RefreshToken // id -> token
	byValue    map[string]string       // token value -> id
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		identities: make(map[uuid.UUID]Identity),
		tokens:     make(map[string]RefreshToken),
		byValue:    make(map[string]string),
	}
}

func (m *InMemory) Save(ctx context.Context, identity Identity) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	if identity.Active {
		for id, other := range m.identities {
			if id != identity.ID && other.Active && other.Email == identity.Email {
				return Identity{}, ErrConflict
			}
		}
	}
	if prev, ok := m.identities[identity.ID]; ok {
		identity.CreatedAt = prev.CreatedAt
	}
	m.identities[identity.ID] = identity
	return identity, nil
}

func (m *InMemory) FindByID(ctx context.Context, id uuid.UUID) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return identity, nil
}

func (m *InMemory) FindActiveByEmail(ctx context.Context, email string) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, identity := range m.identities {
		if identity.Active && identity.Email == email {
			return identity, nil
		}
	}
	return Identity{}, ErrNotFound
}

func (m *InMemory) ExistsActiveByEmail(ctx context.Context, email string) (bool, error) {
	_, err := m.FindActiveByEmail(ctx, email)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *InMemory) Create(ctx context.Context, token RefreshToken) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byValue[token.Token]; ok {
		return RefreshToken{}, ErrConflict
	}
	if token.ID == "" {
		token.ID = ids.New()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	token.Revoked = false
	m.tokens[token.ID] = token
	m.byValue[token.Token] = token.ID
	return token, nil
}

func (m *InMemory) FindByToken(ctx context.Context, value string) (RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byValue[value]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return m.tokens[id], nil
}

func (m *InMemory) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if token.Revoked {
		return ErrAlreadyRevoked
	}
	token.Revoked = true
	m.tokens[id] = token
	return nil
}

func (m *InMemory) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, token := range m.tokens {
		if token.UserID == userID && !token.Revoked {
			token.Revoked = true
			m.tokens[id] = token
			n++
		}
	}
	return n, nil
}
