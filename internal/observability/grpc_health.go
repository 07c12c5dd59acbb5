package observability

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves the standard gRPC health service, mirroring the
// HTTP readiness checks for load balancers that probe over gRPC
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
	checks map[string]HealthCheckFunc
}

// NewGRPCHealth creates a health server. It reports NOT_SERVING until the first refresh.
func NewGRPCHealth(checks map[string]HealthCheckFunc) *GRPCHealth {
	server := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	g := &GRPCHealth{
		server: server,
		health: healthServer,
		checks: checks,
	}
	g.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return g
}

func (g *GRPCHealth) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(serviceName, status)
}

// Refresh runs the dependency checks once and updates the serving status
func (g *GRPCHealth) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, healthy := CheckDependencies(ctx, g.checks)
	if healthy {
		g.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		g.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return healthy
}

// Watch refreshes the status every interval until ctx is done
func (g *GRPCHealth) Watch(ctx context.Context, interval time.Duration) {
	g.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Serve accepts connections on lis until Stop is called
func (g *GRPCHealth) Serve(lis net.Listener) error {
	return g.server.Serve(lis)
}

// Stop marks the service as shutting down and stops the server gracefully
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
