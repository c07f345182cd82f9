package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer    = "taxmanager"
	defaultAccessTTL = 15 * time.Minute

	// MinSecretLength is the shortest HS256 secret accepted by the signer.
	MinSecretLength = 32
)

// Claims represents the access token payload.
type Claims struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
	jwt.RegisteredClaims
}

// SignerConfig holds the process-wide signing settings, loaded once at startup.
type SignerConfig struct {
	Secret    []byte
	Issuer    string
	AccessTTL time.Duration
	Clock     func() time.Time
}

// Signer issues and verifies HS256 access tokens. It keeps no state besides
// its configuration and is safe for concurrent use.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner validates cfg and returns a Signer.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: signing secret must be at least %d bytes", MinSecretLength)
	}
	s := &Signer{
		secret: append([]byte(nil), cfg.Secret...),
		issuer: strings.TrimSpace(cfg.Issuer),
		ttl:    cfg.AccessTTL,
		now:    cfg.Clock,
	}
	if s.issuer == "" {
		s.issuer = defaultIssuer
	}
	if s.ttl <= 0 {
		s.ttl = defaultAccessTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// TTL returns the configured access token lifetime.
func (s *Signer) TTL() time.Duration { return s.ttl }

// IssueAccessToken signs a token for the identity and returns it with its expiry.
func (s *Signer) IssueAccessToken(userID uuid.UUID, email string, role Role) (string, time.Time, error) {
	if userID == uuid.Nil {
		return "", time.Time{}, errors.New("userID is required")
	}
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the signature, structure and validity window of token.
// It never consults a store.
func (s *Signer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	now := s.now().UTC()
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := validateClaims(claims, now); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func validateClaims(claims *Claims, now time.Time) error {
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return errors.New("subject is not a user id")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// Principal converts verified claims into a Principal.
func (c *Claims) Principal() (Principal, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil || !c.Role.Valid() {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: id, Email: c.Email, Role: c.Role}, nil
}
