package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"trade-admission/internal/admission"
	"trade-admission/internal/admission/admissionobs"
	"trade-admission/internal/clock"
	"trade-admission/internal/eod"
	"trade-admission/internal/eod/eodobs"
	"trade-admission/internal/interfaces"
	"trade-admission/internal/logger"
	"trade-admission/internal/metrics"
	"trade-admission/internal/snapshot"
	"trade-admission/internal/store"
	"trade-admission/internal/trace"
	"trade-admission/internal/tradelog"
)

// initializeSystem initializes logger and tracer
func initializeSystem() error {
	// Load environment variables
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	tcfg := trace.LoadConfigFromEnv()
	tcfg.Version = version
	if err := trace.InitWithConfig(tcfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

// loadConfig loads and returns the configuration
func loadConfig(ctx context.Context) (*store.Config, error) {
	cfg, err := store.LoadConfig(configPath)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", configPath)
		return nil, err
	}
	return cfg, nil
}

// initializeEOD wraps the EOD summarizer with observability and installs it
// as the package default
func initializeEOD(cfg *store.Config) interfaces.EodSummarizer {
	base := eod.NewSummarizer(cfg.EOD, cfg.Location())
	observable := eodobs.Wrap(base)
	eod.SetDefaultSummarizer(observable)
	return observable
}

// runtime holds the wired controller and everything that must be closed.
type runtime struct {
	controller *admission.Controller
	admission  interfaces.Admission
	registry   *prometheus.Registry
	closers    []func() error
}

func (r *runtime) Close(ctx context.Context) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.Warn(ctx, "Shutdown step failed", "error", err)
		}
	}
}

// initializeAdmission wires journal, metrics, snapshots and EOD into a
// controller and restores the last snapshot.
func initializeAdmission(ctx context.Context, cfg *store.Config, clk clock.Clock) (*runtime, error) {
	rt := &runtime{registry: prometheus.NewRegistry()}
	opts := []admission.Option{
		admission.WithMetrics(metrics.New(rt.registry)),
	}

	if cfg.Journal.Enabled {
		j, err := tradelog.New(cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		rt.closers = append(rt.closers, j.Close)
		opts = append(opts, admission.WithJournal(j))
	}

	if cfg.Snapshot.Enabled {
		s, err := snapshot.Open(snapshot.OpenOptions{
			Path: cfg.Snapshot.Dir,
			TTL:  time.Duration(cfg.Snapshot.RetentionDays) * 24 * time.Hour,
		})
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		rt.closers = append(rt.closers, s.Close)
		opts = append(opts, admission.WithSnapshots(s))
	}

	if cfg.EOD.Enabled {
		opts = append(opts, admission.WithEOD(initializeEOD(cfg)))
	}

	rt.controller = admission.New(cfg, clk, opts...)
	// Runs before the snapshot store closes: closers unwind in reverse.
	rt.closers = append(rt.closers, func() error {
		closeCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		return rt.controller.Close(closeCtx)
	})
	if found, err := rt.controller.Restore(ctx); err != nil {
		logger.Warn(ctx, "Snapshot restore failed, starting with an empty session", "error", err)
	} else if found {
		logger.Info(ctx, "Resumed session from snapshot", "session", rt.controller.SessionDate())
	}

	rt.admission = admissionobs.Wrap(rt.controller)
	return rt, nil
}
