// Command registry serves the authoritative scan registry over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/jashmhta/palitana-yatra-tracker/config"
	"github.com/jashmhta/palitana-yatra-tracker/internal/observability"
	"github.com/jashmhta/palitana-yatra-tracker/internal/registry"
	"github.com/jashmhta/palitana-yatra-tracker/internal/telemetry"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "Path to registry configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := log.New(os.Stdout, "registry ", log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, *debug))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadRegistry(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	observability.SetMetrics(telemetry.NewCollector(telemetryProvider))

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalf("open database pool: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatalf("ping database: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           registry.NewServer(registry.NewStore(pool)).Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server: %v", err)
			cancel()
		}
	})
	logger.Printf("registry listening on %s", cfg.ListenAddr)

	<-ctx.Done()
	logger.Print("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	lifecycle.Wait()
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	logger.Print("shutdown complete")
}
