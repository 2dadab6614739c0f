package query

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"loaner/native/loaner"
	"loaner/observability"
	"loaner/services/loanerd/auth"
)

// Config wires the gRPC listener.
type Config struct {
	Registry *loaner.Registry
	Verifier *auth.Verifier
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Server is a grpc.Server carrying the query and health services.
type Server struct {
	*grpc.Server
	health *health.Server
}

// NewServer builds the gRPC server. Queries are open to anonymous callers; a
// bearer token, when sent, must verify.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("query: registry required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("query: verifier required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics("loaner")
	}
	a := authenticator{verifier: cfg.Verifier}

	unaryChain := grpc.ChainUnaryInterceptor(
		otelgrpc.UnaryServerInterceptor(),
		recoverUnary(logger),
		observeUnary(metrics),
		a.unary,
	)
	streamChain := grpc.ChainStreamInterceptor(
		otelgrpc.StreamServerInterceptor(),
		a.stream,
	)
	s := &Server{
		Server: grpc.NewServer(unaryChain, streamChain),
		health: health.NewServer(),
	}
	Register(s.Server, New(cfg.Registry, logger))
	healthpb.RegisterHealthServer(s.Server, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s, nil
}

// Drain flips health to NOT_SERVING and stops accepting calls, waiting for
// in-flight ones until ctx ends.
func (s *Server) Drain(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}

type authenticator struct {
	verifier *auth.Verifier
}

func (a authenticator) authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, nil
	}
	headers := md.Get("authorization")
	if len(headers) == 0 {
		return ctx, nil
	}
	caller, err := a.verifier.VerifyHeader(headers[0])
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, err.Error())
	}
	return auth.WithCaller(ctx, caller), nil
}

func (a authenticator) unary(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	ctx, err := a.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (a authenticator) stream(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := a.authenticate(ss.Context())
	if err != nil {
		return err
	}
	return handler(srv, &authStream{ServerStream: ss, ctx: ctx})
}

type authStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authStream) Context() context.Context { return s.ctx }

func recoverUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc handler panic",
					slog.String("method", info.FullMethod),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func observeUnary(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		metrics.ObserveOp("query", methodName(info.FullMethod), err, time.Since(start))
		return resp, err
	}
}

func methodName(fullMethod string) string {
	return fullMethod[strings.LastIndex(fullMethod, "/")+1:]
}
