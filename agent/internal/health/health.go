// Package health publishes the agent's delivery health over the standard
// gRPC health checking protocol.
//
// The agent reports SERVING once any delivery is accepted and NOT_SERVING
// after the service rejects its credentials, so a supervisor can prompt
// for re-authentication without parsing logs. Transient failures do not
// change the status; they are absorbed by the offline queue.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/phoenixtracker/phoenixtracker/agent/internal/delivery"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/transport"
	"github.com/phoenixtracker/phoenixtracker/pkg/types"
)

// Service is the health service name for the delivery pipeline. The
// server-wide "" entry always mirrors it.
const Service = "phoenixtracker.agent.Delivery"

// Reporter tracks delivery health. It implements delivery.Observer.
type Reporter struct {
	srv    *health.Server
	logger *slog.Logger
}

// NewReporter returns a Reporter in the NOT_SERVING state.
func NewReporter(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{srv: health.NewServer(), logger: logger}
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// SetServing marks the pipeline healthy.
func (r *Reporter) SetServing() { r.set(healthpb.HealthCheckResponse_SERVING) }

// SetNotServing marks the pipeline unhealthy.
func (r *Reporter) SetNotServing() { r.set(healthpb.HealthCheckResponse_NOT_SERVING) }

func (r *Reporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	r.srv.SetServingStatus("", status)
	r.srv.SetServingStatus(Service, status)
}

func (r *Reporter) ObserveAttempt(_ types.Kind, _ delivery.Phase, class transport.Class) {
	switch class {
	case transport.Accepted:
		r.SetServing()
	case transport.AuthInvalid:
		r.logger.Warn("health: credentials rejected, reporting NOT_SERVING")
		r.SetNotServing()
	}
}

func (r *Reporter) ObserveQueued(types.Kind) {}
func (r *Reporter) ObserveRateLimited()      {}

// Serve runs a gRPC server exposing the health service on addr until ctx
// is cancelled.
func (r *Reporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", addr, err)
	}
	return r.serve(ctx, lis)
}

func (r *Reporter) serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, r.srv)

	go func() {
		<-ctx.Done()
		r.srv.Shutdown()
		gs.GracefulStop()
	}()

	r.logger.Info("health: gRPC health service listening", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health: serve: %w", err)
	}
	return nil
}
