package api

import (
	"context"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServerOptions configures NewGRPCServer.
type ServerOptions struct {
	// Reflection registers the reflection service so grpcurl can list
	// methods. Enabled in development.
	Reflection     bool
	MaxMessageSize int
}

// NewGRPCServer creates a gRPC server with panic recovery and request
// logging, and registers svc on it.
func NewGRPCServer(svc MeteringServer, opts ServerOptions, logger zerolog.Logger) *grpc.Server {
	log := logger.With().Str("component", "grpc").Logger()
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4 * 1024 * 1024
	}

	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
			log.Error().
				Interface("panic", p).
				Msg("recovered from panic in gRPC handler")
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			LoggingInterceptor(log),
		)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.MaxRecvMsgSize(opts.MaxMessageSize),
		grpc.MaxSendMsgSize(opts.MaxMessageSize),
	)

	RegisterMeteringServer(server, svc)
	if opts.Reflection {
		reflection.Register(server)
		log.Info().Msg("grpc reflection enabled")
	}
	return server
}

// LoggingInterceptor logs every unary call with its duration and status
// code.
func LoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := log.Debug()
		if err != nil {
			event = log.Info()
		}
		event.
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration_ms", time.Since(start)).
			Err(err).
			Msg("grpc request completed")
		return resp, err
	}
}
