package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"taxmanager.org/internal/auth"
	"taxmanager.org/internal/obs"
)

const serviceName = "taxmanager-auth"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the backing stores that are configured.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// API is the HTTP layer in front of auth.Service.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	readyProbe readinessChecker
	logger     *zap.Logger
	version    string

	rateBurst  int
	ratePerSec int
	maxBody    int64
	proxies    trustedProxies
}

// Option configures API.
type Option func(*API)

// WithLogger sets the request and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRateLimit sets the per-client token bucket applied to auth routes.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithTrustedProxies lists the reverse proxies allowed to report the client
// address through X-Forwarded-For. Without it the header is ignored.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) {
		a.proxies = append(a.proxies, prefixes...)
	}
}

// WithMaxBodyBytes caps request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(svc *auth.Service, rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		logger:     zap.NewNop(),
		version:    version,
		rateBurst:  10,
		ratePerSec: 5,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	limited := newRateLimiter(a.rateBurst, a.ratePerSec, a.proxies)
	a.mux.Handle("POST /api/v1/auth/register", limited.Wrap(http.HandlerFunc(a.handleRegister)))
	a.mux.Handle("POST /api/v1/auth/login", limited.Wrap(http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("POST /api/v1/auth/refresh", limited.Wrap(http.HandlerFunc(a.handleRefresh)))
	a.mux.Handle("POST /api/v1/auth/logout", limited.Wrap(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("GET /api/v1/auth/me", a.withAuth(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("POST /api/v1/auth/deactivate", a.withAuth(http.HandlerFunc(a.handleDeactivate)))
	return a
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = Logging(a.logger)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var errMalformedBody = errors.New("malformed request body")

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return errMalformedBody
	}
	return nil
}
