package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"taxmanager.org/internal/auth"
	"taxmanager.org/internal/ids"
)

const pgErrUniqueViolation = "23505"

var (
	_ auth.CredentialStore    = (*identityStore)(nil)
	_ auth.RefreshTokenLedger = (*refreshTokenStore)(nil)
)

// Store provides PostgreSQL-backed identity and refresh-token persistence.
type Store struct {
	db *sql.DB
}

// Open connects through the pgx stdlib driver with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Credentials returns the identity store.
func (s *Store) Credentials() auth.CredentialStore { return &identityStore{db: s.db} }

// Ledger returns the refresh-token ledger.
func (s *Store) Ledger() auth.RefreshTokenLedger { return &refreshTokenStore{db: s.db} }

// Identity store -----------------------------------------------------------
type identityStore struct{ db *sql.DB }

const identityColumns = `id, email, password_digest, full_name, role, active, created_at`

func (s *identityStore) Save(ctx context.Context, identity auth.Identity) (auth.Identity, error) {
	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into identities (`+identityColumns+`)
		values ($1, $2, $3, $4, $5, $6, coalesce($7, now()))
		on conflict (id) do update
		set email = excluded.email,
		    password_digest = excluded.password_digest,
		    full_name = excluded.full_name,
		    role = excluded.role,
		    active = excluded.active
		returning created_at
	`, identity.ID, identity.Email, identity.PasswordHash, identity.FullName, string(identity.Role),
		identity.Active, nullTime(identity.CreatedAt))
	if err := row.Scan(&identity.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return auth.Identity{}, fmt.Errorf("%w: email %s is taken", auth.ErrConflict, identity.Email)
		}
		return auth.Identity{}, err
	}
	return identity, nil
}

func (s *identityStore) FindByID(ctx context.Context, id uuid.UUID) (auth.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where id=$1`, id)
	return scanIdentity(row)
}

func (s *identityStore) FindActiveByEmail(ctx context.Context, email string) (auth.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where email=$1 and active`, email)
	return scanIdentity(row)
}

func (s *identityStore) ExistsActiveByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from identities where email=$1 and active)`, email).Scan(&exists)
	return exists, err
}

func scanIdentity(row *sql.Row) (auth.Identity, error) {
	var (
		identity auth.Identity
		role     string
	)
	err := row.Scan(&identity.ID, &identity.Email, &identity.PasswordHash, &identity.FullName,
		&role, &identity.Active, &identity.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Identity{}, err
	}
	identity.Role = auth.Role(role)
	return identity, nil
}

// Refresh token store ------------------------------------------------------
type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, tok auth.RefreshToken) (auth.RefreshToken, error) {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	tok.Revoked = false
	err := s.db.QueryRowContext(ctx, `
		insert into refresh_tokens (id, token_value, user_id, expires_at, revoked, created_at)
		values ($1, $2, $3, $4, false, coalesce($5, now()))
		returning created_at
	`, tok.ID, tok.Token, tok.UserID, tok.ExpiresAt, nullTime(tok.CreatedAt)).Scan(&tok.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.RefreshToken{}, fmt.Errorf("%w: refresh token value reused", auth.ErrConflict)
		}
		return auth.RefreshToken{}, err
	}
	return tok, nil
}

func (s *refreshTokenStore) FindByToken(ctx context.Context, value string) (auth.RefreshToken, error) {
	var tok auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, token_value, user_id, expires_at, revoked, created_at
		from refresh_tokens where token_value=$1
	`, value).Scan(&tok.ID, &tok.Token, &tok.UserID, &tok.ExpiresAt, &tok.Revoked, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, err
	}
	return tok, nil
}

// Revoke flips the revoked flag only if it is still false, so concurrent
// callers cannot both win.
func (s *refreshTokenStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked = true where id=$1 and not revoked`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var revoked bool
	err = s.db.QueryRowContext(ctx, `select revoked from refresh_tokens where id=$1`, id).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	return auth.ErrAlreadyRevoked
}

func (s *refreshTokenStore) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked = true where user_id=$1 and not revoked`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
