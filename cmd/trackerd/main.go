// Command trackerd runs the device-side scan pipeline: durable queueing,
// dispatch with backoff, reconciliation, and the local scanner API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/jashmhta/palitana-yatra-tracker/config"
	"github.com/jashmhta/palitana-yatra-tracker/internal/connectivity"
	"github.com/jashmhta/palitana-yatra-tracker/internal/device"
	"github.com/jashmhta/palitana-yatra-tracker/internal/dispatch"
	"github.com/jashmhta/palitana-yatra-tracker/internal/engine"
	"github.com/jashmhta/palitana-yatra-tracker/internal/observability"
	"github.com/jashmhta/palitana-yatra-tracker/internal/pending"
	"github.com/jashmhta/palitana-yatra-tracker/internal/reconcile"
	"github.com/jashmhta/palitana-yatra-tracker/internal/registry"
	"github.com/jashmhta/palitana-yatra-tracker/internal/sheetlog"
	"github.com/jashmhta/palitana-yatra-tracker/internal/synccycle"
	"github.com/jashmhta/palitana-yatra-tracker/internal/telemetry"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 5 * time.Second
	keepalivePing     = 30 * time.Second
	pendingFilename   = "pending.db"
)

func main() {
	cfgPath := flag.String("config", "", "Path to device configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := log.New(os.Stdout, "trackerd ", log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, *debug))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadDevice(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Fatalf("create data dir: %v", err)
	}

	deviceID, err := device.Identity(cfg.DataDir)
	if err != nil {
		logger.Fatalf("device identity: %v", err)
	}
	logger.Printf("device identity: %s", deviceID)

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	observability.SetMetrics(telemetry.NewCollector(telemetryProvider))

	store, err := pending.Open(ctx, filepath.Join(cfg.DataDir, pendingFilename))
	if err != nil {
		logger.Fatalf("open pending store: %v", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Printf("pending store close: %v", cerr)
		}
	}()

	index := pending.NewDuplicateIndex()
	if err := index.Seed(ctx, store); err != nil {
		logger.Fatalf("seed duplicate index: %v", err)
	}

	client, err := registry.NewClient(cfg.RegistryURL, nil)
	if err != nil {
		logger.Fatalf("registry client: %v", err)
	}

	dispatcher := dispatch.NewDispatcher(client, store, index, dispatch.DefaultPolicy(), nil)
	cycles := synccycle.NewOrchestrator(store, dispatcher, cfg.Sync.BatchSize, nil)

	monitor := connectivity.NewMonitor(cfg.KeepaliveEndpoint(), keepalivePing)
	monitor.OnOnline(func() {
		logger.Print("connectivity restored")
		cycles.TriggerCycle()
	})
	monitor.OnOffline(func() {
		logger.Print("connectivity lost")
	})

	poller := reconcile.NewPoller(client, store, index, monitor.Online,
		cfg.Reconcile.OnlineInterval.Std(), cfg.Reconcile.OfflineInterval.Std())
	monitor.OnResume(func() {
		cycles.TriggerCycle()
		go func() {
			if err := poller.FetchOnce(ctx); err != nil {
				logger.Printf("resume reconciliation: %v", err)
			}
		}()
	})

	var sheet *sheetlog.Queue
	if cfg.Sheet.WebhookURL != "" {
		sheet = sheetlog.NewQueue(sheetlog.NewWebhook(cfg.Sheet.WebhookURL, nil),
			cfg.Sheet.Capacity, cfg.Sheet.FlushInterval.Std())
	}

	eng := engine.New(deviceID, store, index, cycles, monitor.Online, sheet)
	eng.OnResume(monitor.Resume)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           eng.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { monitor.Run(ctx) })
	lifecycle.Go(func() { cycles.Run(ctx, cfg.Sync.Interval.Std()) })
	lifecycle.Go(func() { poller.Run(ctx) })
	if sheet != nil {
		lifecycle.Go(func() { sheet.Run(ctx) })
	}
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("local api server: %v", err)
			cancel()
		}
	})
	logger.Printf("local api listening on %s", cfg.ListenAddr)

	<-ctx.Done()
	logger.Print("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	lifecycle.Wait()
	if err := observability.AggregateErrors("shutdown", []error{
		shutdownErr,
		telemetryProvider.Shutdown(shutdownCtx),
	}); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	logger.Print("shutdown complete")
}
