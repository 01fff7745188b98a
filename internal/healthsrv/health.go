// Package healthsrv serves the standard gRPC health protocol
// (grpc.health.v1) for the gateway, driven by lifecycle transitions.
package healthsrv

import (
	"errors"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sanverite/probe-gateway/internal/core"
)

// ServiceName is reported alongside the overall ("") service.
const ServiceName = "probegateway.Gateway"

// Server is a gRPC server exposing only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *log.Logger
}

// New returns a Server whose status follows state: SERVING while the
// gateway is active or degraded, NOT_SERVING otherwise.
func New(state *core.State, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.set(state.AgentState())
	state.OnTransition(func(_, to core.AgentState) { s.set(to) })
	return s
}

func (s *Server) set(st core.AgentState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st.Serving() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Start listens on addr and serves in a background goroutine.
func (s *Server) Start(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		s.logger.Printf("health: listening on %s", l.Addr())
		if err := s.grpc.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Printf("health: serve error: %v", err)
		}
	}()
	return l.Addr(), nil
}

// Stop reports NOT_SERVING to watchers and drains open RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
