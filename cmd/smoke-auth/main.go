package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"taxmanager.org/internal/obs"
)

type bundle struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func main() {
	logger, err := obs.NewLogger("development")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	baseURL := envOr("TAXMANAGER_HTTP_URL", "http://localhost:8080")
	grpcAddr := envOr("TAXMANAGER_GRPC_ADDR", "localhost:9090")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Fatal("dial grpc", zap.String("addr", grpcAddr), zap.Error(err))
	}
	defer conn.Close()
	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		logger.Fatal("grpc health", zap.Error(err))
	}
	if health.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		logger.Fatal("service not serving", zap.String("status", health.GetStatus().String()))
	}

	client := &http.Client{Timeout: 5 * time.Second}
	email := fmt.Sprintf("smoke-%s@example.com", uuid.NewString()[:8])
	password := uuid.NewString()

	mustStatus(ctx, logger, client, baseURL+"/api/v1/auth/register",
		map[string]string{"email": email, "password": password, "fullName": "Smoke Test"}, http.StatusCreated, nil)

	var first, second bundle
	mustStatus(ctx, logger, client, baseURL+"/api/v1/auth/login",
		map[string]string{"email": email, "password": password}, http.StatusOK, &first)
	mustStatus(ctx, logger, client, baseURL+"/api/v1/auth/refresh",
		map[string]string{"refreshToken": first.RefreshToken}, http.StatusOK, &second)
	mustStatus(ctx, logger, client, baseURL+"/api/v1/auth/refresh",
		map[string]string{"refreshToken": first.RefreshToken}, http.StatusUnauthorized, nil)
	mustStatus(ctx, logger, client, baseURL+"/api/v1/auth/logout",
		map[string]string{"refreshToken": second.RefreshToken}, http.StatusOK, nil)
	mustStatus(ctx, logger, client, baseURL+"/api/v1/auth/refresh",
		map[string]string{"refreshToken": second.RefreshToken}, http.StatusUnauthorized, nil)

	logger.Info("auth smoke test passed", zap.String("email", email))
}

func mustStatus(ctx context.Context, logger *zap.Logger, client *http.Client, url string, body any, want int, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		logger.Fatal("marshal", zap.Error(err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		logger.Fatal("new request", zap.Error(err))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		logger.Fatal("request failed", zap.String("url", url), zap.Error(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		logger.Fatal("unexpected status", zap.String("url", url), zap.Int("got", resp.StatusCode), zap.Int("want", want))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			logger.Fatal("decode response", zap.String("url", url), zap.Error(err))
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
