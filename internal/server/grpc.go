package server

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/query"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// LiveState is the engine surface read by the live routes.
type LiveState interface {
	Components() core.Components
	GetSequence() int64
	GetStateHash() common.Hash
	Verifier(name string) (*verifier.Verifier, error)
}

// Submitter forwards a validated command to the ingestion stream.
type Submitter interface {
	Submit(ctx context.Context, ct event.CommandType, data []byte) (event.Command, uint64, error)
}

// GRPCServer wraps the gRPC server (health and reflection) and the HTTP/JSON
// gateway mux.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	deps       *ServerDeps
	logger     zerolog.Logger
}

// ServerDeps holds everything the routes need. Query, DB and Submitter may
// be nil; their routes then answer 503.
type ServerDeps struct {
	Engine        LiveState
	QueryService  *query.QueryService
	Submitter     Submitter
	DB            *sql.DB
	Snapshot      func(context.Context) error
	HealthChecker *observability.HealthChecker
	Hub           *WSHub
	StartTime     time.Time
	Logger        zerolog.Logger
	Metrics       *observability.Metrics
}

// NewGRPCServer creates the gRPC server with health and reflection
// registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	if deps.HealthChecker != nil {
		healthpb.RegisterHealthServer(grpcServer, deps.HealthChecker.GRPCServer())
	}

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		logger:     deps.Logger.With().Str("component", "server").Logger(),
	}
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
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP handler: the gateway mux plus health, metrics
// and the websocket stream.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/metrics", promhttp.Handler())
	if s.deps.Hub != nil {
		httpMux.HandleFunc("/v1/ws", s.deps.Hub.HandleWS)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway serves the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
