package admin

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/coordination/internal/logging"
)

// ServiceName is the gRPC health service name reported alongside the overall status.
const ServiceName = "coordination"

// DefaultHealthInterval is how often the shared cache is pinged.
const DefaultHealthInterval = 10 * time.Second

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter mirrors the shared cache's reachability into a gRPC health server.
type HealthReporter struct {
	pinger   Pinger
	server   *health.Server
	logger   zerolog.Logger
	interval time.Duration
	timeout  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthReporter creates a reporter that starts in NOT_SERVING until the first check.
func NewHealthReporter(pinger Pinger, logger zerolog.Logger, interval time.Duration) *HealthReporter {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	r := &HealthReporter{
		pinger:   pinger,
		server:   health.NewServer(),
		logger:   logging.ComponentLogger(logger, "health"),
		interval: interval,
		timeout:  interval / 2,
		stopCh:   make(chan struct{}),
	}
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Server returns the gRPC health service implementation.
func (r *HealthReporter) Server() *health.Server {
	return r.server
}

// Check pings once and updates the reported status.
func (r *HealthReporter) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.pinger.Ping(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("shared cache unreachable")
		r.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	r.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Start checks immediately and then on every interval until Stop or ctx is done.
func (r *HealthReporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Check(ctx)
			}
		}
	}()
}

// Stop ends the check loop and reports NOT_SERVING to anyone still watching.
func (r *HealthReporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
	r.server.Shutdown()
}

func (r *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)
}

// NewGRPCServer creates a gRPC server exposing the health service with request logging.
func NewGRPCServer(reporter *HealthReporter, logger zerolog.Logger) *grpc.Server {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(logging.GRPCLogger(logger)),
		grpc.ChainStreamInterceptor(logging.GRPCStreamLogger(logger)),
	)
	healthpb.RegisterHealthServer(s, reporter.Server())
	return s
}
