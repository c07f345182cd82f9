package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"taxmanager.org/internal/obs"
)

// GRPCHealth serves grpc.health.v1.Health backed by the readiness probe.
type GRPCHealth struct {
	server    *health.Server
	readiness readinessChecker
	logger    *zap.Logger
}

// NewGRPCHealth creates the health service. Status is NOT_SERVING until the
// first successful probe.
func NewGRPCHealth(r readinessChecker, logger *zap.Logger) *GRPCHealth {
	if r == nil {
		r = ReadyProbe{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCHealth{server: srv, readiness: r, logger: logger}
}

// Register attaches the health service to s.
func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Probe runs the readiness check once and publishes the result.
func (h *GRPCHealth) Probe(ctx context.Context) error {
	err := h.readiness.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		h.logger.Warn("readiness probe failed", zap.Error(err))
	}
	obs.SetReady(err == nil)
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(serviceName, status)
	return err
}

// Run probes every interval until ctx is done, then marks the service as
// shutting down.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		_ = h.Probe(probeCtx)
		cancel()
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
