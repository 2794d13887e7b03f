package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/canopy/internal/connectivity"
	"github.com/hyperengineering/canopy/internal/worker"
)

var watchMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync automatically whenever the census API is reachable",
	Long: "Probe the census API and run a sync pass each time it becomes reachable,\n" +
		"then every retry interval while it stays reachable. Runs until interrupted.",
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "",
		"Serve Prometheus sync metrics on this address (e.g. :9464)")
}

func runWatch(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()
	logger := s.logger

	monitor := connectivity.NewMonitor(s.backend, s.cfg.Sync.ProbeInterval.Std(),
		connectivity.WithProbeTimeout(s.cfg.Sync.ProbeTimeout.Std()),
		connectivity.WithLogger(logger),
	)
	coordinator := worker.NewSyncCoordinator(s.ws, monitor, s.cfg.Sync.RetryInterval.Std(), logger)

	var wg sync.WaitGroup
	startWorker(ctx, &wg, logger, "connectivity", monitor.Run)
	startWorker(ctx, &wg, logger, "sync-coordinator", coordinator.Run)

	var srv *http.Server
	if watchMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics server starting", "component", "watch", "address", watchMetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "component", "watch", "error", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown initiated", "component", "watch")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "component", "watch", "error", err)
		}
	}
	wg.Wait()
	return nil
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Debug("worker launched", "worker", name)
		fn(ctx)
		logger.Debug("worker exited", "worker", name)
	}()
}
