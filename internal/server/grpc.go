package server

import (
	"CohortLedger/internal/core"
	"CohortLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "cohortledger.v1.Ledger"

// LatestReader is the read side of the engine used by the HTTP handlers.
type LatestReader interface {
	NextHeight() uint64
	LastChainState() (core.ChainState, bool)
	Latest(cohortID string) (core.CohortRecord, bool)
	LatestAll() []core.CohortRecord
}

// ServerDeps holds everything the handlers read from.
type ServerDeps struct {
	Engine        LatestReader
	History       HistoryReader // nil without Postgres
	HealthChecker *observability.HealthChecker
	InstanceID    string
	StartTime     time.Time
}

// GRPCServer wraps the gRPC server and the gRPC-Gateway HTTP mux.
type GRPCServer struct {
	grpcServer *grpc.Server
	healthSrv  *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	deps       *ServerDeps
	logger     zerolog.Logger
}

// NewGRPCServer creates the gRPC server with health and reflection
// registered. Health status follows the readiness of deps.HealthChecker.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	s := &GRPCServer{
		grpcServer: grpcServer,
		healthSrv:  healthSrv,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		logger:     logger,
	}

	if deps.HealthChecker != nil {
		deps.HealthChecker.OnChange(s.setServing)
	} else {
		s.setServing(true)
	}
	return s
}

func (s *GRPCServer) setServing(ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus("", st)
	s.healthSrv.SetServingStatus(ServiceName, st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthSrv.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves /healthz (proxied to gRPC health), /livez, /readyz,
// /metrics and the JSON read API (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	conn, err := grpc.NewClient(s.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial grpc for gateway: %w", err)
	}
	defer conn.Close()

	mux, err := s.NewMux(healthpb.NewHealthClient(conn))
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Str("grpc", s.grpcAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NewMux builds the gateway mux. health may be nil, in which case /healthz
// is not registered.
func (s *GRPCServer) NewMux(health healthpb.HealthClient) (*runtime.ServeMux, error) {
	var opts []runtime.ServeMuxOption
	if health != nil {
		opts = append(opts, runtime.WithHealthzEndpoint(health))
	}
	mux := runtime.NewServeMux(opts...)

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{http.MethodGet, "/livez", s.handleLive},
		{http.MethodGet, "/readyz", s.handleReady},
		{http.MethodGet, "/metrics", wrap(promhttp.Handler())},
		{http.MethodGet, "/v1/status", s.handleStatus},
		{http.MethodGet, "/v1/cohorts", s.handleLatestAll},
		{http.MethodGet, "/v1/cohorts/{cohort}", s.handleLatest},
		{http.MethodGet, "/v1/cohorts/{cohort}/history", s.handleHistory},
		{http.MethodGet, "/v1/chain/{height}", s.handleChainState},
		{http.MethodGet, "/v1/admin/integrity", s.handleIntegrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

func wrap(h http.Handler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		h.ServeHTTP(w, r)
	}
}

func (s *GRPCServer) handleLive(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}
	s.deps.HealthChecker.LivenessHandler(w, r)
}

func (s *GRPCServer) handleReady(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	s.deps.HealthChecker.ReadinessHandler(w, r)
}
