package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/matheus3301/sessync/internal/swarm"
)

func main() {
	addr := flag.String("listen", "127.0.0.1:7070", "address to listen on")
	dsn := flag.String("store", "memory://", "message store: memory://, sqlite:///path or postgres://...")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	if err := run(*addr, *dsn, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, dsn string, debug bool) error {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	backend, err := swarm.OpenBackend(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := grpc.NewServer()
	swarm.NewServer(backend, logger).Register(srv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("relay stopping")
		srv.GracefulStop()
	}()

	logger.Info("relay listening", zap.String("addr", lis.Addr().String()), zap.String("store", swarm.RedactDSN(dsn)))
	return srv.Serve(lis)
}
