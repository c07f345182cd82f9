package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger backends accepted by LEDGER_BACKEND.
const (
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerMemory   = "memory"
)

const minSecretLength = 32

// Config contains runtime configuration values.
type Config struct {
	Environment        string
	HTTPAddr           string
	GRPCAddr           string
	DatabaseURL        string
	LedgerBackend      string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	SigningSecret      string
	Issuer             string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	MinPasswordLength  int
	BcryptCost         int
	RateLimitBurst     int
	RateLimitPerSecond int
	MaxBodyBytes       int64
	// TrustedProxies are CIDRs or single addresses of reverse proxies whose
	// X-Forwarded-For header is believed.
	TrustedProxies     []string
}

// Load reads configuration from environment variables (and a .env file when
// present) with sane defaults, then validates it.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:        getEnv("APP_ENV", "development"),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:           getEnv("GRPC_ADDR", ":9090"),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		LedgerBackend:      strings.ToLower(getEnv("LEDGER_BACKEND", LedgerPostgres)),
		RedisAddr:          getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getInt("REDIS_DB", 0),
		SigningSecret:      strings.TrimSpace(os.Getenv("JWT_SECRET")),
		Issuer:             getEnv("JWT_ISSUER", "taxmanager"),
		AccessTokenTTL:     getDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:    getDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		MinPasswordLength:  getInt("MIN_PASSWORD_LENGTH", 8),
		BcryptCost:         getInt("BCRYPT_COST", 10),
		RateLimitBurst:     getInt("RATE_LIMIT_BURST", 10),
		RateLimitPerSecond: getInt("RATE_LIMIT_PER_SECOND", 5),
		MaxBodyBytes:       int64(getInt("MAX_BODY_BYTES", 1<<20)),
		TrustedProxies:     getList("TRUSTED_PROXIES"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.SigningSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretLength))
	}
	if c.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must be positive"))
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL must exceed ACCESS_TOKEN_TTL"))
	}
	if c.MinPasswordLength < 1 || c.MinPasswordLength > 72 {
		errs = append(errs, errors.New("MIN_PASSWORD_LENGTH must be between 1 and 72"))
	}
	if c.DatabaseURL == "" && c.LedgerBackend != LedgerMemory {
		errs = append(errs, errors.New("DATABASE_URL is required unless LEDGER_BACKEND=memory"))
	}
	switch c.LedgerBackend {
	case LedgerPostgres, LedgerRedis, LedgerMemory:
	default:
		errs = append(errs, fmt.Errorf("LEDGER_BACKEND %q is not one of postgres, redis, memory", c.LedgerBackend))
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if p, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES entry %q is neither an address nor a CIDR", raw)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}
