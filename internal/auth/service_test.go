package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc    *Service
	store  *InMemory
	signer *Signer
	clock  *fakeClock
}

func newFixture(t *testing.T, opts ...ServiceOption) fixture {
	t.Helper()
	clock := newFakeClock()
	signer, err := NewSigner(SignerConfig{Secret: []byte(testSecret), Issuer: "test", AccessTTL: 15 * time.Minute, Clock: clock.Now})
	require.NoError(t, err)
	store := NewInMemory()
	opts = append([]ServiceOption{
		WithClock(clock.Now),
		WithPasswordHasher(NewBcryptHasher(bcrypt.MinCost)),
	}, opts...)
	svc, err := NewService(store, store, signer, opts...)
	require.NoError(t, err)
	return fixture{svc: svc, store: store, signer: signer, clock: clock}
}

func (f fixture) register(t *testing.T, email, password string) RegisterResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), RegisterCommand{Email: email, Password: password, FullName: "Alice Doe"})
	require.NoError(t, err)
	return res
}

func TestRegisterNormalizesEmailAndAssignsDefaultRole(t *testing.T) {
	f := newFixture(t)
	res := f.register(t, "  Alice@Example.COM ", "secret-pass")

	require.Equal(t, "alice@example.com", res.Email)
	require.Equal(t, RoleAccountant, res.Role)
	require.Equal(t, "Alice Doe", res.FullName)
	require.Equal(t, f.clock.Now(), res.CreatedAt)

	stored, err := f.store.FindByID(context.Background(), res.ID)
	require.NoError(t, err)
	require.True(t, stored.Active)
	require.NotEqual(t, "secret-pass", stored.PasswordHash)
	require.True(t, NewBcryptHasher(bcrypt.MinCost).Verify("secret-pass", stored.PasswordHash))
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]RegisterCommand{
		"short password": {Email: "a@example.com", Password: "short", FullName: "A"},
		"short runes":    {Email: "a@example.com", Password: "ñññññ", FullName: "A"},
		"long password":  {Email: "a@example.com", Password: string(make([]byte, 73)), FullName: "A"},
		"bad email":      {Email: "not-an-email", Password: "long-enough", FullName: "A"},
		"two at signs":   {Email: "a@b@example.com", Password: "long-enough", FullName: "A"},
		"blank name":     {Email: "a@example.com", Password: "long-enough", FullName: "   "},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Register(ctx, cmd)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestRegisterCountsPasswordCharacters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 7 characters, 14 bytes.
	_, err := f.svc.Register(ctx, RegisterCommand{Email: "a@example.com", Password: "ñññññññ", FullName: "A"})
	require.ErrorIs(t, err, ErrValidation)

	res := f.register(t, "a@example.com", "ññññññññ")
	_, err = f.svc.Login(ctx, LoginCommand{Email: res.Email, Password: "ññññññññ"})
	require.NoError(t, err)
}

func TestRegisterConflictAndReRegisterAfterDeactivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.register(t, "alice@example.com", "secret-pass")

	_, err := f.svc.Register(ctx, RegisterCommand{Email: "ALICE@example.com", Password: "other-pass", FullName: "Alice"})
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, f.svc.Deactivate(ctx, first.ID))

	second := f.register(t, "alice@example.com", "another-pass")
	require.NotEqual(t, first.ID, second.ID)
}

func TestLoginIssuesBearerBundle(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "alice@example.com", "secret-pass")

	bundle, err := f.svc.Login(context.Background(), LoginCommand{Email: "Alice@Example.com", Password: "secret-pass"})
	require.NoError(t, err)
	require.Equal(t, TokenTypeBearer, bundle.TokenType)
	require.EqualValues(t, 900, bundle.ExpiresIn)
	require.NotEmpty(t, bundle.RefreshToken)

	claims, err := f.signer.Verify(bundle.AccessToken)
	require.NoError(t, err)
	require.Equal(t, reg.ID.String(), claims.Subject)
	require.Equal(t, "alice@example.com", claims.Email)
	require.Equal(t, RoleAccountant, claims.Role)

	record, err := f.store.FindByToken(context.Background(), bundle.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, reg.ID, record.UserID)
	require.Equal(t, f.clock.Now().Add(defaultRefreshTTL), record.ExpiresAt)
	require.False(t, record.Revoked)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "alice@example.com", "secret-pass")

	_, unknown := f.svc.Login(ctx, LoginCommand{Email: "bob@example.com", Password: "secret-pass"})
	_, wrong := f.svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "wrong-pass"})
	require.NoError(t, f.svc.Deactivate(ctx, reg.ID))
	_, inactive := f.svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "secret-pass"})

	for _, err := range []error{unknown, wrong, inactive} {
		require.ErrorIs(t, err, ErrUnauthorized)
		require.Equal(t, ErrUnauthorized.Error(), err.Error())
	}
}

type countingHasher struct {
	PasswordHasher
	verifies atomic.Int32
}

func (h *countingHasher) Verify(password, digest string) bool {
	h.verifies.Add(1)
	return h.PasswordHasher.Verify(password, digest)
}

func TestLoginUnknownEmailStillComparesPassword(t *testing.T) {
	hasher := &countingHasher{PasswordHasher: NewBcryptHasher(bcrypt.MinCost)}
	f := newFixture(t, WithPasswordHasher(hasher))
	ctx := context.Background()
	f.register(t, "alice@example.com", "secret-pass")

	_, err := f.svc.Login(ctx, LoginCommand{Email: "bob@example.com", Password: "secret-pass"})
	require.ErrorIs(t, err, ErrUnauthorized)
	require.EqualValues(t, 1, hasher.verifies.Load())

	_, err = f.svc.Login(ctx, LoginCommand{Email: "carol@example.com", Password: "taxmanager-decoy-password"})
	require.ErrorIs(t, err, ErrUnauthorized)
	require.EqualValues(t, 2, hasher.verifies.Load())
	require.NotEmpty(t, f.svc.decoyDigest())
}

func TestRefreshRotatesAndRejectsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@example.com", "secret-pass")
	r1, err := f.svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "secret-pass"})
	require.NoError(t, err)

	r2, err := f.svc.Refresh(ctx, r1.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, r1.RefreshToken, r2.RefreshToken)
	require.Equal(t, TokenTypeBearer, r2.TokenType)

	old, err := f.store.FindByToken(ctx, r1.RefreshToken)
	require.NoError(t, err)
	require.True(t, old.Revoked)

	_, err = f.svc.Refresh(ctx, r1.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)

	r3, err := f.svc.Refresh(ctx, r2.RefreshToken)
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, r2.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.NotEmpty(t, r3.RefreshToken)
}

func TestRefreshUnknownAndExpired(t *testing.T) {
	f := newFixture(t, WithRefreshTTL(time.Hour))
	ctx := context.Background()

	_, err := f.svc.Refresh(ctx, "never-issued")
	require.ErrorIs(t, err, ErrUnauthorized)

	f.register(t, "alice@example.com", "secret-pass")
	bundle, err := f.svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "secret-pass"})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Refresh(ctx, bundle.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)

	record, err := f.store.FindByToken(ctx, bundle.RefreshToken)
	require.NoError(t, err)
	require.False(t, record.Revoked, "expired tokens are rejected without being consumed")
}

func TestConcurrentRefreshHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@example.com", "secret-pass")
	bundle, err := f.svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "secret-pass"})
	require.NoError(t, err)

	const workers = 16
	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		rejects atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Refresh(ctx, bundle.RefreshToken)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrUnauthorized):
				rejects.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, workers-1, rejects.Load())
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@example.com", "secret-pass")
	bundle, err := f.svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "secret-pass"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, bundle.RefreshToken))
	require.NoError(t, f.svc.Logout(ctx, bundle.RefreshToken), "logout is idempotent")

	_, err = f.svc.Refresh(ctx, bundle.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)

	require.ErrorIs(t, f.svc.Logout(ctx, "never-issued"), ErrUnauthorized)

	// access tokens are not tracked and survive logout until expiry
	_, err = f.svc.Authenticate(ctx, bundle.AccessToken)
	require.NoError(t, err)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "alice@example.com", "secret-pass")
	bundle, err := f.svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "secret-pass"})
	require.NoError(t, err)

	principal, err := f.svc.Authenticate(ctx, bundle.AccessToken)
	require.NoError(t, err)
	require.Equal(t, Principal{UserID: reg.ID, Email: "alice@example.com", Role: RoleAccountant}, principal)

	f.clock.Advance(15 * time.Minute)
	_, err = f.svc.Authenticate(ctx, bundle.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestDeactivateRevokesRefreshTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "alice@example.com", "secret-pass")
	b1, err := f.svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "secret-pass"})
	require.NoError(t, err)
	b2, err := f.svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "secret-pass"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Deactivate(ctx, reg.ID))
	for _, value := range []string{b1.RefreshToken, b2.RefreshToken} {
		_, err := f.svc.Refresh(ctx, value)
		require.ErrorIs(t, err, ErrUnauthorized)
	}

	require.ErrorIs(t, f.svc.Deactivate(ctx, reg.ID), ErrValidation)
}

// revokeHookLedger runs afterRevoke once, right after the first successful
// Revoke on the wrapped ledger.
type revokeHookLedger struct {
	RefreshTokenLedger
	once        sync.Once
	afterRevoke func()
}

func (l *revokeHookLedger) Revoke(ctx context.Context, id string) error {
	if err := l.RefreshTokenLedger.Revoke(ctx, id); err != nil {
		return err
	}
	l.once.Do(l.afterRevoke)
	return nil
}

func TestRefreshRacingDeactivateIssuesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "alice@example.com", "secret-pass")
	b1, err := f.svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "secret-pass"})
	require.NoError(t, err)

	ledger := &revokeHookLedger{RefreshTokenLedger: f.store}
	svc, err := NewService(f.store, ledger, f.signer,
		WithClock(f.clock.Now),
		WithPasswordHasher(NewBcryptHasher(bcrypt.MinCost)),
	)
	require.NoError(t, err)
	ledger.afterRevoke = func() { require.NoError(t, svc.Deactivate(ctx, reg.ID)) }

	bundle, err := svc.Refresh(ctx, b1.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Empty(t, bundle.RefreshToken)

	identity, err := f.store.FindByID(ctx, reg.ID)
	require.NoError(t, err)
	require.False(t, identity.Active)

	n, err := f.store.RevokeAllForUser(ctx, reg.ID)
	require.NoError(t, err)
	require.Zero(t, n, "no refresh token may be minted for a deactivated identity")

	_, err = svc.Refresh(ctx, b1.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "secret-pass"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestNewServiceOptions(t *testing.T) {
	signer, err := NewSigner(SignerConfig{Secret: []byte(testSecret)})
	require.NoError(t, err)
	store := NewInMemory()

	_, err = NewService(nil, store, signer)
	require.Error(t, err)

	_, err = NewService(store, store, signer, WithMinPasswordLength(100))
	require.Error(t, err)

	svc, err := NewService(store, store, signer, WithMinPasswordLength(12))
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), RegisterCommand{Email: "a@example.com", Password: "eleven-char", FullName: "A"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestAliceScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg, err := f.svc.Register(ctx, RegisterCommand{Email: "alice@example.com", Password: "S3curePass!", FullName: "Alice A"})
	require.NoError(t, err)
	require.Equal(t, RoleAccountant, reg.Role)
	require.Equal(t, "Alice A", reg.FullName)

	r1, err := f.svc.Login(ctx, LoginCommand{Email: "alice@example.com", Password: "S3curePass!"})
	require.NoError(t, err)

	r2, err := f.svc.Refresh(ctx, r1.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, r1.RefreshToken, r2.RefreshToken)
	require.NotEqual(t, r1.AccessToken, r2.AccessToken)

	_, err = f.svc.Refresh(ctx, r1.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, f.svc.Logout(ctx, r2.RefreshToken))

	_, err = f.svc.Refresh(ctx, r2.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "success", outcome(nil))
	require.Equal(t, "unauthorized", outcome(ErrUnauthorized))
	require.Equal(t, "conflict", outcome(ErrConflict))
	require.Equal(t, "invalid", outcome(ErrValidation))
	require.Equal(t, "error", outcome(errors.New("boom")))
}
