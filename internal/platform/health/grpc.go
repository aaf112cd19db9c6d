package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	pkglog "github.com/theroutercompany/engine_manager/pkg/log"
)

// ServiceName is the gRPC health service name reported for the engine manager.
const ServiceName = "opencv.engine.Manager"

type readinessReporter interface {
	Readiness(ctx context.Context) Report
}

// GRPCServer serves the standard gRPC health protocol, mirroring the
// checker's readiness for ServiceName and the overall ("") service.
type GRPCServer struct {
	reporter readinessReporter
	interval time.Duration
	logger   pkglog.Logger

	server *grpc.Server
	health *grpchealth.Server

	mu   sync.Mutex
	addr string
}

// NewGRPCServer constructs a health server polling reporter every interval.
func NewGRPCServer(reporter readinessReporter, interval time.Duration, logger pkglog.Logger) *GRPCServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = pkglog.Shared()
	}

	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCServer{
		reporter: reporter,
		interval: interval,
		logger:   logger,
		server:   srv,
		health:   hs,
	}
}

// Sync updates the serving status from a fresh readiness report.
func (g *GRPCServer) Sync(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.reporter != nil && g.reporter.Readiness(ctx).Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
	return status
}

// Addr returns the bound listener address once Serve has started.
func (g *GRPCServer) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Serve listens on addr and serves until ctx is cancelled.
func (g *GRPCServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	g.mu.Lock()
	g.addr = lis.Addr().String()
	g.mu.Unlock()

	g.Sync(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Infow("grpc health server listening", "addr", lis.Addr().String())
		if err := g.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.health.Shutdown()
			g.server.GracefulStop()
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				g.logger.Errorw("grpc health server stopped with error", "error", err)
			}
			return err
		case <-ticker.C:
			g.Sync(ctx)
		}
	}
}
