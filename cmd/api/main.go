package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"taxmanager.org/internal/auth"
	"taxmanager.org/internal/config"
	"taxmanager.org/internal/httpapi"
	"taxmanager.org/internal/obs"
	"taxmanager.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		db          *sql.DB
		redisClient redis.UniversalClient
		creds       auth.CredentialStore
		ledger      auth.RefreshTokenLedger
	)
	if cfg.DatabaseURL != "" {
		store, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("open db", zap.Error(err))
		}
		db = store.DB()
		creds, ledger = store.Credentials(), store.Ledger()
	}

	switch cfg.LedgerBackend {
	case config.LedgerRedis:
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ledger, err = auth.NewRedisLedger(redisClient, "")
		if err != nil {
			logger.Fatal("redis ledger", zap.Error(err))
		}
	case config.LedgerMemory:
		mem := auth.NewInMemory()
		creds, ledger = mem, mem
		logger.Warn("using in-memory stores; data is lost on restart")
	}

	signer, err := auth.NewSigner(auth.SignerConfig{
		Secret:    []byte(cfg.SigningSecret),
		Issuer:    cfg.Issuer,
		AccessTTL: cfg.AccessTokenTTL,
	})
	if err != nil {
		logger.Fatal("signer", zap.Error(err))
	}
	svc, err := auth.NewService(creds, ledger, signer,
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
		auth.WithMinPasswordLength(cfg.MinPasswordLength),
		auth.WithPasswordHasher(auth.NewBcryptHasher(cfg.BcryptCost)),
		auth.WithLogger(logger.Named("auth")),
	)
	if err != nil {
		logger.Fatal("auth service", zap.Error(err))
	}

	// Load already validated the list.
	proxies, _ := cfg.ProxyPrefixes()
	probe := httpapi.ReadyProbe{DB: db, Redis: redisClient}
	api := httpapi.New(svc, probe, version,
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithRateLimit(cfg.RateLimitBurst, cfg.RateLimitPerSecond),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithTrustedProxies(proxies...),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSvc := httpapi.NewGRPCHealth(probe, logger.Named("grpc"))
	healthSvc.Register(grpcServer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go healthSvc.Run(ctx, 10*time.Second)

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http listening",
			zap.String("addr", srv.Addr),
			zap.String("version", version),
			zap.String("ledger", cfg.LedgerBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	logger.Info("stopped")
}
