// Command api runs the Helios runtime: the HTTP surface, the Arrow RPC
// surface, and the dataset/catalog background loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	flightsrv "helios-runtime/interfaces/flight"
	"helios-runtime/interfaces/http/rest"
	"helios-runtime/internal/config"
	"helios-runtime/internal/observability"
	"helios-runtime/internal/runtime"
)

func main() {
	configPath := flag.String("config", "helios.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracing *observability.TracerProvider
	if cfg.Telemetry.TracingEndpoint != "" {
		tracing, err = observability.InitTracing(ctx, "helios", cfg.Environment, cfg.Telemetry.TracingEndpoint)
		if err != nil {
			return err
		}
	} else {
		tracing = observability.NoopTracing("helios")
	}
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	rt, err := runtime.New(ctx, cfg, logger, tracing)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Shutdown()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      rest.NewRouter(rt, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	flightAddr := fmt.Sprintf("%s:%d", cfg.Flight.Host, cfg.Flight.Port)
	flightServer, err := flightsrv.NewServer(rt, logger, flightAddr)
	if err != nil {
		return err
	}
	go func() {
		logger.Info("flight server listening", zap.String("addr", flightAddr))
		if err := flightServer.Serve(); err != nil {
			logger.Error("flight server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	flightServer.Shutdown()
	return nil
}
