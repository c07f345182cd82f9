package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"taxmanager.org/internal/ids"
)

const defaultRedisPrefix = "{taxmanager:rt}:"

const (
	revokeStatusMissing int64 = 0
	revokeStatusAlready int64 = 1
	revokeStatusRevoked int64 = 2
)

// KEYS[1] value key, KEYS[2] record key, KEYS[3] user index key.
const createRefreshScript = `
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2],
  "token", ARGV[2],
  "user_id", ARGV[3],
  "expires_at", ARGV[4],
  "revoked", "0",
  "created_at", ARGV[5])
redis.call("SADD", KEYS[3], ARGV[1])
return 1
`

const revokeRefreshScript = `
local revoked = redis.call("HGET", KEYS[1], "revoked")
if not revoked then
  return 0
end
if revoked == "1" then
  return 1
end
redis.call("HSET", KEYS[1], "revoked", "1")
return 2
`

var (
	createRefreshLua = redis.NewScript(createRefreshScript)
	revokeRefreshLua = redis.NewScript(revokeRefreshScript)
)

var _ RefreshTokenLedger = (*RedisLedger)(nil)

// RedisLedger stores refresh tokens in Redis hashes. State transitions run in
// Lua scripts so that create and revoke are atomic. Every script declares the
// keys it touches and all keys share the prefix hash tag, so the ledger also
// runs against Redis Cluster.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLedger returns a ledger using client. An empty prefix selects the
// default. A prefix without a {hash tag} is wrapped in one.
func NewRedisLedger(client redis.UniversalClient, prefix string) (*RedisLedger, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if !hasHashTag(prefix) {
		prefix = "{" + strings.TrimSuffix(prefix, ":") + "}:"
	}
	return &RedisLedger{client: client, prefix: prefix}, nil
}

func hasHashTag(s string) bool {
	open := strings.IndexByte(s, '{')
	if open < 0 {
		return false
	}
	return strings.IndexByte(s[open+1:], '}') > 0
}

func (l *RedisLedger) valueKey(value string) string { return l.prefix + "value:" + value }
func (l *RedisLedger) recordKey(id string) string { return l.prefix + "rec:" + id }
func (l *RedisLedger) userKey(userID uuid.UUID) string { return l.prefix + "user:" + userID.String() }

func (l *RedisLedger) Create(ctx context.Context, tok RefreshToken) (RefreshToken, error) {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	tok.Revoked = false
	res, err := createRefreshLua.Run(ctx, l.client,
		[]string{l.valueKey(tok.Token), l.recordKey(tok.ID), l.userKey(tok.UserID)},
		tok.ID, tok.Token, tok.UserID.String(),
		tok.ExpiresAt.UTC().Format(time.RFC3339Nano),
		tok.CreatedAt.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return RefreshToken{}, fmt.Errorf("redis create refresh token: %w", err)
	}
	if res == 0 {
		return RefreshToken{}, fmt.Errorf("%w: refresh token value reused", ErrConflict)
	}
	return tok, nil
}

func (l *RedisLedger) FindByToken(ctx context.Context, value string) (RefreshToken, error) {
	id, err := l.client.Get(ctx, l.valueKey(value)).Result()
	if errors.Is(err, redis.Nil) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, fmt.Errorf("redis find refresh token: %w", err)
	}
	fields, err := l.client.HGetAll(ctx, l.recordKey(id)).Result()
	if err != nil {
		return RefreshToken{}, fmt.Errorf("redis load refresh token: %w", err)
	}
	if len(fields) == 0 {
		return RefreshToken{}, ErrNotFound
	}
	return decodeRefreshToken(id, fields)
}

func (l *RedisLedger) Revoke(ctx context.Context, id string) error {
	status, err := revokeRefreshLua.Run(ctx, l.client, []string{l.recordKey(id)}).Int64()
	if err != nil {
		return fmt.Errorf("redis revoke refresh token: %w", err)
	}
	switch status {
	case revokeStatusRevoked:
		return nil
	case revokeStatusAlready:
		return ErrAlreadyRevoked
	default:
		return ErrNotFound
	}
}

// RevokeAllForUser revokes each indexed record through the single-key revoke
// script. Tokens created after the index is read are not covered.
func (l *RedisLedger) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tokenIDs, err := l.client.SMembers(ctx, l.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list user tokens: %w", err)
	}
	var n int64
	for _, id := range tokenIDs {
		status, err := revokeRefreshLua.Run(ctx, l.client, []string{l.recordKey(id)}).Int64()
		if err != nil {
			return n, fmt.Errorf("redis revoke user tokens: %w", err)
		}
		if status == revokeStatusRevoked {
			n++
		}
	}
	return n, nil
}

func decodeRefreshToken(id string, fields map[string]string) (RefreshToken, error) {
	userID, err := uuid.Parse(fields["user_id"])
	if err != nil {
		return RefreshToken{}, fmt.Errorf("decode user_id: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, fields["expires_at"])
	if err != nil {
		return RefreshToken{}, fmt.Errorf("decode expires_at: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return RefreshToken{}, fmt.Errorf("decode created_at: %w", err)
	}
	revoked, err := strconv.ParseBool(fields["revoked"])
	if err != nil {
		return RefreshToken{}, fmt.Errorf("decode revoked: %w", err)
	}
	return RefreshToken{
		ID:        id,
		Token:     fields["token"],
		UserID:    userID,
		ExpiresAt: expiresAt,
		Revoked:   revoked,
		CreatedAt: createdAt,
	}, nil
}
