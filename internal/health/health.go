// Package health exposes service health over the standard gRPC health protocol.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name reported next to the overall ("") status.
const ServiceName = "songsync.SessionService"

const pingTimeout = 2 * time.Second

// Pinger is a dependency whose reachability decides serving status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker keeps the gRPC health status in step with its dependencies.
type Checker struct {
	srv    *health.Server
	deps   map[string]Pinger
	logger *slog.Logger
}

// NewChecker creates a checker over the named dependencies. Status starts as
// NOT_SERVING until the first Check.
func NewChecker(deps map[string]Pinger, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{
		srv:    health.NewServer(),
		deps:   deps,
		logger: logger,
	}
	c.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return c
}

// Check pings every dependency and updates the serving status. It returns
// per-dependency results ("ok" or the error text) and whether all passed.
func (c *Checker) Check(ctx context.Context) (map[string]string, bool) {
	results := make(map[string]string, len(c.deps))
	healthy := true
	for name, dep := range c.deps {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := dep.Ping(pingCtx)
		cancel()
		if err != nil {
			healthy = false
			results[name] = err.Error()
			c.logger.Warn("Health dependency unreachable", "dependency", name, "error", err)
			continue
		}
		results[name] = "ok"
	}

	if healthy {
		c.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		c.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return results, healthy
}

// Start runs Check every interval until ctx is done.
func (c *Checker) Start(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown reports NOT_SERVING to all watchers; later updates are ignored.
func (c *Checker) Shutdown() {
	c.srv.Shutdown()
}

// Register attaches the health service to s.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.srv)
}

func (c *Checker) set(status healthpb.HealthCheckResponse_ServingStatus) {
	c.srv.SetServingStatus("", status)
	c.srv.SetServingStatus(ServiceName, status)
}

// NewServer builds a gRPC server carrying only the health service.
func NewServer(c *Checker) *grpc.Server {
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
	)
	c.Register(s)
	return s
}

// Serve listens on addr and serves s until it is stopped.
func Serve(s *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	slog.Info("gRPC health server starting", "addr", lis.Addr().String())
	return s.Serve(lis)
}

// Probe dials addr and asks for the status of service.
func Probe(ctx context.Context, addr, service string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("create health client for %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %s: %w", addr, err)
	}
	return resp.GetStatus(), nil
}
