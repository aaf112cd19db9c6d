package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/theroutercompany/engine_manager/pkg/engine"
	pkglog "github.com/theroutercompany/engine_manager/pkg/log"
)

type failingEngine struct {
	engine.Stub
}

func (failingEngine) EngineVersion(context.Context) (int, error) {
	return 0, &engine.RemoteError{Op: "EngineVersion", Err: errors.New("dead object")}
}

type blockingEngine struct {
	engine.Stub
}

func (blockingEngine) EngineVersion(ctx context.Context) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestReadinessReportsReadyForStub(t *testing.T) {
	checker := NewChecker(engine.Stub{}, 250*time.Millisecond)

	report := checker.Readiness(context.Background())
	if report.Status != StatusReady {
		t.Fatalf("expected ready status, got %s", report.Status)
	}
	if len(report.Dependencies) != 1 {
		t.Fatalf("expected 1 dependency, got %d", len(report.Dependencies))
	}
	dep := report.Dependencies[0]
	if !dep.Healthy || dep.EngineVersion == nil || *dep.EngineVersion != 0 {
		t.Fatalf("unexpected dependency report: %+v", dep)
	}
}

func TestReadinessReportsDegradedWithoutManager(t *testing.T) {
	checker := NewChecker(engine.AsInterface(nil), 0)

	report := checker.Readiness(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("expected degraded status, got %s", report.Status)
	}
	if report.Dependencies[0].Error != "engine manager unavailable" {
		t.Fatalf("unexpected error: %q", report.Dependencies[0].Error)
	}
}

func TestReadinessReportsDegradedOnRemoteFailure(t *testing.T) {
	checker := NewChecker(failingEngine{}, 250*time.Millisecond)

	report := checker.Readiness(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("expected degraded status, got %s", report.Status)
	}
	if report.Dependencies[0].Error == "" {
		t.Fatalf("expected dependency error message")
	}
}

func TestReadinessHonorsTimeout(t *testing.T) {
	checker := NewChecker(blockingEngine{}, 20*time.Millisecond)

	start := time.Now()
	report := checker.Readiness(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("expected degraded status on timeout, got %s", report.Status)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("probe did not honour timeout")
	}
}

func TestGRPCServerReflectsReadiness(t *testing.T) {
	cases := []struct {
		name string
		svc  engine.Interface
		want healthpb.HealthCheckResponse_ServingStatus
	}{
		{name: "stub", svc: engine.Stub{}, want: healthpb.HealthCheckResponse_SERVING},
		{name: "absent", svc: engine.AsInterface(nil), want: healthpb.HealthCheckResponse_NOT_SERVING},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := NewGRPCServer(NewChecker(tc.svc, 100*time.Millisecond), time.Hour, pkglog.NewNop())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- srv.Serve(ctx, "127.0.0.1:0") }()
			defer func() {
				cancel()
				<-done
			}()

			addr := waitForAddr(t, srv)
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()

			callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer callCancel()
			resp, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
			if err != nil {
				t.Fatalf("health check: %v", err)
			}
			if resp.GetStatus() != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, resp.GetStatus())
			}
		})
	}
}

func waitForAddr(t *testing.T, srv *GRPCServer) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.Addr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("grpc server did not start")
	return ""
}
