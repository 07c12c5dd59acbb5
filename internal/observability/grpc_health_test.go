package observability

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestGRPCHealth(t *testing.T) {
	var healthy atomic.Bool
	checks := map[string]HealthCheckFunc{
		"chat": func(ctx context.Context) (bool, error) {
			if healthy.Load() {
				return true, nil
			}
			return false, errors.New("connection refused")
		},
	}

	g := NewGRPCHealth(checks)
	lis := bufconn.Listen(1024 * 1024)
	go g.Serve(lis)
	defer g.Stop()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: serviceName})
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		return resp.Status
	}

	if status := check(); status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING before refresh, got %v", status)
	}

	if g.Refresh(context.Background()) {
		t.Error("Expected refresh to report unhealthy")
	}
	if status := check(); status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING, got %v", status)
	}

	healthy.Store(true)
	if !g.Refresh(context.Background()) {
		t.Error("Expected refresh to report healthy")
	}
	if status := check(); status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", status)
	}
}
