package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"qazna.org/tenancy/internal/obs"
)

// HealthServer serves grpc.health.v1 for the whole process and for serviceName, backed by the
// same readiness check as /readyz.
type HealthServer struct {
	srv       *health.Server
	readiness readinessChecker
	timeout   time.Duration
}

// NewHealthServer creates the health service. It reports NOT_SERVING until the first check.
func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = Readiness{}
	}
	s := &HealthServer{srv: health.NewServer(), readiness: r, timeout: 2 * time.Second}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the service to gs.
func (s *HealthServer) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.srv)
}

// Refresh runs the readiness check once and publishes the result.
func (s *HealthServer) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return err
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return nil
}

// Run checks readiness every interval until ctx ends, then marks the service as shutting down.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	log := obs.Component("health")
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if err := s.Refresh(ctx); err != nil {
		log.WithError(err).Warn("not ready")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.srv.Shutdown()
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				log.WithError(err).Warn("not ready")
			}
		}
	}
}

func (s *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.srv.SetServingStatus("", status)
	s.srv.SetServingStatus(serviceName, status)
}
