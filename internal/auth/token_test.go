package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T, clock func() time.Time) *Signer {
	t.Helper()
	s, err := NewSigner(SignerConfig{Secret: []byte(testSecret), Issuer: "test", AccessTTL: 10 * time.Minute, Clock: clock})
	require.NoError(t, err)
	return s
}

func TestSignerIssueAndVerify(t *testing.T) {
	clock := newFakeClock()
	s := newTestSigner(t, clock.Now)
	userID := uuid.New()

	token, exp, err := s.IssueAccessToken(userID, "alice@example.com", RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(10*time.Minute), exp)
	require.Equal(t, 10*time.Minute, s.TTL())

	claims, err := s.Verify(token)
	require.NoError(t, err)
	require.Equal(t, userID.String(), claims.Subject)
	require.Equal(t, "test", claims.Issuer)
	require.Equal(t, "alice@example.com", claims.Email)
	require.Equal(t, RoleAdmin, claims.Role)
	require.NotEmpty(t, claims.ID)

	principal, err := claims.Principal()
	require.NoError(t, err)
	require.Equal(t, userID, principal.UserID)
}

func TestSignerRejects(t *testing.T) {
	clock := newFakeClock()
	s := newTestSigner(t, clock.Now)
	userID := uuid.New()
	token, _, err := s.IssueAccessToken(userID, "alice@example.com", RoleAccountant)
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, err := s.Verify("   ")
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := s.Verify("not.a.jwt")
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(token, ".")
		require.Len(t, parts, 3)
		other, _, err := s.IssueAccessToken(uuid.New(), "mallory@example.com", RoleAdmin)
		require.NoError(t, err)
		parts[1] = strings.Split(other, ".")[1]
		_, err = s.Verify(strings.Join(parts, "."))
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewSigner(SignerConfig{Secret: []byte(strings.Repeat("x", 32)), Issuer: "test", Clock: clock.Now})
		require.NoError(t, err)
		_, err = other.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other issuer", func(t *testing.T) {
		other, err := NewSigner(SignerConfig{Secret: []byte(testSecret), Issuer: "elsewhere", Clock: clock.Now})
		require.NoError(t, err)
		_, err = other.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		now := clock.Now()
		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test",
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		}}
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = s.Verify(forged)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("subject not a uuid", func(t *testing.T) {
		now := clock.Now()
		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test",
			Subject:   "user-42",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		}}
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = s.Verify(forged)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unknown role", func(t *testing.T) {
		forged, _, err := s.IssueAccessToken(userID, "alice@example.com", Role("ROOT"))
		require.NoError(t, err)
		claims, err := s.Verify(forged)
		require.NoError(t, err)
		_, err = claims.Principal()
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		clock.Advance(10 * time.Minute)
		_, err := s.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNewSignerValidation(t *testing.T) {
	_, err := NewSigner(SignerConfig{Secret: []byte("too-short")})
	require.Error(t, err)

	s, err := NewSigner(SignerConfig{Secret: []byte(testSecret)})
	require.NoError(t, err)
	require.Equal(t, defaultAccessTTL, s.TTL())

	_, _, err = s.IssueAccessToken(uuid.Nil, "a@example.com", RoleAccountant)
	require.Error(t, err)
}
