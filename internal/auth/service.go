package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taxmanager.org/internal/obs"
)

const (
	defaultRefreshTTL        = 7 * 24 * time.Hour
	defaultMinPasswordLength = 8

	// maxPasswordLength is the bcrypt input limit.
	maxPasswordLength = 72
	refreshTokenBytes = 32

	// TokenTypeBearer is the token_type reported in every bundle.
	TokenTypeBearer = "Bearer"
)

// Service coordinates the credential store, the refresh-token ledger and the
// signer. It owns no state of its own.
type Service struct {
	creds  CredentialStore
	ledger RefreshTokenLedger
	signer *Signer
	hasher PasswordHasher
	now    func() time.Time
	logger *zap.Logger

	refreshTTL        time.Duration
	minPasswordLength int

	// decoy is a digest of a throwaway password, verified against on the
	// unknown-email path so Login costs one bcrypt comparison either way.
	decoyOnce sync.Once
	decoy     string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithMinPasswordLength overrides the minimum accepted password length.
func WithMinPasswordLength(n int) ServiceOption {
	return func(s *Service) error {
		if n > maxPasswordLength {
			return fmt.Errorf("auth: minimum password length %d exceeds %d", n, maxPasswordLength)
		}
		if n > 0 {
			s.minPasswordLength = n
		}
		return nil
	}
}

// WithPasswordHasher replaces the default bcrypt hasher.
func WithPasswordHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the logger used for operational messages.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(creds CredentialStore, ledger RefreshTokenLedger, signer *Signer, opts ...ServiceOption) (*Service, error) {
	if creds == nil || ledger == nil || signer == nil {
		return nil, errors.New("auth: credential store, ledger and signer are required")
	}
	svc := &Service{
		creds:             creds,
		ledger:            ledger,
		signer:            signer,
		hasher:            NewBcryptHasher(0),
		now:               time.Now,
		logger:            zap.NewNop(),
		refreshTTL:        defaultRefreshTTL,
		minPasswordLength: defaultMinPasswordLength,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// RegisterCommand carries the registration input.
type RegisterCommand struct {
	Email    string
	Password string
	FullName string
}

// RegisterResult is the public view of a freshly registered identity.
type RegisterResult struct {
	ID        uuid.UUID
	Email     string
	FullName  string
	Role      Role
	CreatedAt time.Time
}

// LoginCommand carries the login input.
type LoginCommand struct {
	Email    string
	Password string
}

// TokenBundle is returned by Login and Refresh.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
}

// Register creates a new active identity with the default role.
func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (result RegisterResult, err error) {
	defer func() { obs.ObserveAuth("register", outcome(err)) }()

	if utf8.RuneCountInString(cmd.Password) < s.minPasswordLength {
		return RegisterResult{}, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, s.minPasswordLength)
	}
	if len(cmd.Password) > maxPasswordLength {
		return RegisterResult{}, fmt.Errorf("%w: password must be at most %d bytes", ErrValidation, maxPasswordLength)
	}
	email := NormalizeEmail(cmd.Email)
	exists, err := s.creds.ExistsActiveByEmail(ctx, email)
	if err != nil {
		return RegisterResult{}, err
	}
	if exists {
		return RegisterResult{}, fmt.Errorf("%w: an active user is already registered with %s", ErrConflict, email)
	}
	digest, err := s.hasher.Hash(cmd.Password)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}
	identity, err := NewIdentity(email, digest, cmd.FullName, s.now())
	if err != nil {
		return RegisterResult{}, err
	}
	identity, err = s.creds.Save(ctx, identity)
	if err != nil {
		return RegisterResult{}, err
	}
	s.logger.Info("identity registered", zap.String("user_id", identity.ID.String()))
	return RegisterResult{
		ID:        identity.ID,
		Email:     identity.Email,
		FullName:  identity.FullName,
		Role:      identity.Role,
		CreatedAt: identity.CreatedAt,
	}, nil
}

// Login authenticates credentials and issues a fresh token bundle.
// Unknown emails and wrong passwords fail identically.
func (s *Service) Login(ctx context.Context, cmd LoginCommand) (bundle TokenBundle, err error) {
	defer func() { obs.ObserveAuth("login", outcome(err)) }()

	email := NormalizeEmail(cmd.Email)
	identity, err := s.creds.FindActiveByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.hasher.Verify(cmd.Password, s.decoyDigest())
			return TokenBundle{}, ErrUnauthorized
		}
		return TokenBundle{}, err
	}
	if !identity.Active || !s.hasher.Verify(cmd.Password, identity.PasswordHash) {
		return TokenBundle{}, ErrUnauthorized
	}
	return s.mintTokens(ctx, identity)
}

// Refresh consumes a usable refresh token and returns a replacement bundle.
// The presented token is revoked before anything new is minted, so a value
// can be redeemed at most once.
func (s *Service) Refresh(ctx context.Context, value string) (bundle TokenBundle, err error) {
	defer func() { obs.ObserveAuth("refresh", outcome(err)) }()

	record, err := s.ledger.FindByToken(ctx, value)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenBundle{}, ErrUnauthorized
		}
		return TokenBundle{}, err
	}
	if !record.Usable(s.now()) {
		return TokenBundle{}, ErrUnauthorized
	}

	if err := s.ledger.Revoke(ctx, record.ID); err != nil {
		if errors.Is(err, ErrAlreadyRevoked) || errors.Is(err, ErrNotFound) {
			s.logger.Warn("refresh token replayed", zap.String("token_id", record.ID), zap.String("user_id", record.UserID.String()))
			return TokenBundle{}, ErrUnauthorized
		}
		return TokenBundle{}, err
	}

	identity, err := s.creds.FindByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenBundle{}, fmt.Errorf("%w: user %s", ErrNotFound, record.UserID)
		}
		return TokenBundle{}, err
	}
	// Deactivate may have run between Revoke and here; its RevokeAllForUser
	// cannot see a token that does not exist yet.
	if !identity.Active {
		s.logger.Warn("refresh for inactive identity", zap.String("user_id", identity.ID.String()))
		return TokenBundle{}, ErrUnauthorized
	}
	return s.mintTokens(ctx, identity)
}

// Logout revokes a refresh token. Revoking an already revoked token succeeds;
// a value that was never issued fails with ErrUnauthorized. Access tokens stay
// valid until they expire.
func (s *Service) Logout(ctx context.Context, value string) (err error) {
	defer func() { obs.ObserveAuth("logout", outcome(err)) }()

	record, err := s.ledger.FindByToken(ctx, value)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	if err := s.ledger.Revoke(ctx, record.ID); err != nil && !errors.Is(err, ErrAlreadyRevoked) {
		return err
	}
	return nil
}

// Authenticate verifies an access token and returns the principal it carries.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	return claims.Principal()
}

// Deactivate disables an identity and revokes every refresh token it still holds.
func (s *Service) Deactivate(ctx context.Context, userID uuid.UUID) (err error) {
	defer func() { obs.ObserveAuth("deactivate", outcome(err)) }()

	identity, err := s.creds.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	identity, err = identity.Deactivate()
	if err != nil {
		return err
	}
	if _, err := s.creds.Save(ctx, identity); err != nil {
		return err
	}
	revoked, err := s.ledger.RevokeAllForUser(ctx, userID)
	if err != nil {
		return err
	}
	s.logger.Info("identity deactivated", zap.String("user_id", userID.String()), zap.Int64("revoked_tokens", revoked))
	return nil
}

func (s *Service) mintTokens(ctx context.Context, identity Identity) (TokenBundle, error) {
	accessToken, _, err := s.signer.IssueAccessToken(identity.ID, identity.Email, identity.Role)
	if err != nil {
		return TokenBundle{}, err
	}
	value, err := newRefreshValue()
	if err != nil {
		return TokenBundle{}, err
	}
	now := s.now()
	record, err := NewRefreshToken(identity.ID, value, now.Add(s.refreshTTL), now)
	if err != nil {
		return TokenBundle{}, err
	}
	if _, err := s.ledger.Create(ctx, record); err != nil {
		return TokenBundle{}, err
	}
	return TokenBundle{
		AccessToken:  accessToken,
		RefreshToken: value,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.signer.TTL() / time.Second),
	}, nil
}

func (s *Service) decoyDigest() string {
	s.decoyOnce.Do(func() {
		digest, err := s.hasher.Hash("taxmanager-decoy-password")
		if err != nil {
			s.logger.Warn("decoy digest unavailable", zap.Error(err))
			return
		}
		s.decoy = digest
	})
	return s.decoy
}

func newRefreshValue() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// outcome maps an error to a low-cardinality metric label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidToken):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
