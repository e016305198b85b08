// Package health serves the standard gRPC health protocol for the coverage backend.
package health

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"ruleforge-lab/pkg/logger"
)

// ServiceName is reported alongside the overall ("") status
const ServiceName = "ruleforge.coverage.v1.CoverageService"

// Pinger is a dependency whose failure marks the service NOT_SERVING
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker periodically pings dependencies and publishes the result to a health server
type Checker struct {
	server   *health.Server
	checks   map[string]Pinger
	interval time.Duration
	logger   *logger.Logger
}

// Register registers the gRPC health service and returns its checker. Call Run to start
// background probing.
func Register(grpcServer *grpc.Server, checks map[string]Pinger, interval time.Duration, log *logger.Logger) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	c := &Checker{
		server:   health.NewServer(),
		checks:   checks,
		interval: interval,
		logger:   log.WithComponent("grpc-health"),
	}
	c.setStatus(grpc_health_v1.HealthCheckResponse_SERVING)

	grpc_health_v1.RegisterHealthServer(grpcServer, c.server)
	return c
}

// Run probes dependencies every interval until ctx is done, then reports NOT_SERVING
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			c.server.Shutdown()
			return
		case <-ticker.C:
			c.Probe(ctx)
		}
	}
}

// Probe pings every dependency once and updates the serving status
func (c *Checker) Probe(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	for name, p := range c.checks {
		if err := p.Ping(pingCtx); err != nil {
			c.logger.Warn().Err(err).Str("dependency", name).Msg("health probe failed")
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}

	c.setStatus(status)
	return status
}

func (c *Checker) setStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	c.server.SetServingStatus("", status)
	c.server.SetServingStatus(ServiceName, status)
}
