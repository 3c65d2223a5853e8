package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trade-admission/internal/api"
	"trade-admission/internal/clock"
	"trade-admission/internal/eod"
	"trade-admission/internal/logger"
	"trade-admission/internal/store"
	"trade-admission/internal/trace"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admission HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func runServe(addr string) error {
	if err := initializeSystem(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		if err := trace.Shutdown(context.Background()); err != nil {
			logger.Warn(ctx, "Tracer shutdown failed", "error", err)
		}
	}()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}

	clk := clock.System{Loc: cfg.Location()}
	rt, err := initializeAdmission(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(rt.admission, rt.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Admission server listening", "addr", addr, "session", rt.controller.SessionDate())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	tick := time.NewTicker(time.Duration(cfg.PollSeconds) * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			pollSession(ctx, cfg, clk, rt)
		case err := <-errc:
			return err
		case <-sigc:
			logger.Info(ctx, "Shutting down...")
			writeEODIfDue(ctx, cfg, clk.Now(), rt)
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		}
	}
}

// pollSession rolls the session over when the calendar day changes and
// writes the EOD report once the run-after time has passed.
func pollSession(ctx context.Context, cfg *store.Config, clk clock.Clock, rt *runtime) {
	now := clk.Now()
	if clock.SessionDate(now) != rt.controller.SessionDate() {
		rt.admission.Rollover(ctx)
		return
	}
	writeEODIfDue(ctx, cfg, now, rt)
}

func writeEODIfDue(ctx context.Context, cfg *store.Config, now time.Time, rt *runtime) {
	if !cfg.EOD.Enabled {
		return
	}
	if ok, _ := eod.ShouldRunNow(ctx, now); !ok {
		return
	}
	if p, err := eod.SummarizeDay(ctx, now, rt.admission.DailyReport()); err == nil && p != "" {
		logger.Info(ctx, "EOD CSV written", "path", p)
	}
}
