package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/spell-dispatcher/internal/admission"
	"github.com/flyingrobots/spell-dispatcher/internal/audit"
	"github.com/flyingrobots/spell-dispatcher/internal/config"
	"github.com/flyingrobots/spell-dispatcher/internal/httpapi"
	"github.com/flyingrobots/spell-dispatcher/internal/lifecycle"
	"github.com/flyingrobots/spell-dispatcher/internal/obs"
	"github.com/flyingrobots/spell-dispatcher/internal/registry"
	"github.com/flyingrobots/spell-dispatcher/internal/retention"
	"github.com/flyingrobots/spell-dispatcher/internal/store"
	"github.com/flyingrobots/spell-dispatcher/internal/supervisor"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to application YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		logger.Fatal("failed to load button registry", obs.Err(err))
	}

	if err := os.MkdirAll(cfg.LogsDir(), 0o755); err != nil {
		logger.Fatal("failed to create logs directory", obs.Err(err))
	}

	idxStore := store.New(filepath.Join(cfg.LogsDir(), "index.json"), logger)
	idxStore.Start()
	defer idxStore.Close()

	auditLogger := audit.New(
		filepath.Join(cfg.LogsDir(), "tenant-audit.jsonl"),
		cfg.Audit.RotateMaxSizeMB,
		cfg.Audit.RotateMaxBackups,
		cfg.Audit.RotateMaxAgeDays,
	)
	defer auditLogger.Close()

	gc := retention.New(cfg.LogsDir(), cfg.LogRetentionDays, cfg.LogMaxFiles, logger)

	sup := supervisor.New(cfg, logger)

	engine := lifecycle.New(lifecycle.Deps{
		Registry:              reg,
		Store:                 idxStore,
		Audit:                 auditLogger,
		Runner:                sup,
		GC:                    gc,
		Log:                   logger,
		BodyLimitBytes:        cfg.RequestBodyLimitBytes,
		ForceRequireSignature: cfg.ForceRequireSignature,
	})
	if err := engine.Boot(); err != nil {
		logger.Fatal("failed to boot lifecycle engine", obs.Err(err))
	}

	if err := gc.StartCronSafetyNet(cfg.Retention.SweepCron, engine.RunRetentionSweep); err != nil {
		logger.Warn("failed to start retention safety-net cron", obs.Err(err))
	}
	defer gc.StopCronSafetyNet()

	admLayer, err := admission.New(cfg)
	if err != nil {
		logger.Fatal("failed to build admission layer", obs.Err(err))
	}

	apiServer := httpapi.New(engine, admLayer, reg, logger, httpapi.Config{
		RequestBodyLimitBytes: cfg.RequestBodyLimitBytes,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: apiServer,
	}

	metricsSrv := obs.StartHTTPServer(cfg, func(context.Context) error { return nil })
	defer metricsSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, logger)

	go func() {
		logger.Info("dispatcher listening", obs.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", obs.Err(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", obs.Err(err))
	}
}

func handleSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(10 * time.Second):
	}
}
