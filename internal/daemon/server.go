package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/sessync/internal/api"
)

// Server serves the control API on the account's Unix socket.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer listens on the account socket, readable by the owner only. A
// socket left behind by a crashed daemon is replaced; the account lock
// guarantees no live daemon owns it.
func NewServer(p Params, logger *zap.Logger, control *api.Control) (*Server, error) {
	socketPath := p.socketPath()
	logger = logger.Named("server")

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logCalls(logger)))
	control.Register(srv)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// logCalls logs every control call with its outcome.
func logCalls(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
		}
		if err != nil {
			logger.Warn("control call failed", append(fields, zap.Stringer("code", status.Code(err)), zap.Error(err))...)
		} else {
			logger.Debug("control call", fields...)
		}
		return resp, err
	}
}

// Start serves until Stop. It returns nil after a clean stop.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	if err := s.grpcServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls until ctx is done, then closes the rest and
// removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("control server stop timed out, closing connections")
		s.grpcServer.Stop()
		<-done
	}
	_ = os.Remove(s.socketPath)
}
