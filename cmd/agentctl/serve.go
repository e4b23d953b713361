package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentctl/agentctl/internal/controlplane"
	"github.com/agentctl/agentctl/internal/eventlog"
	"github.com/agentctl/agentctl/internal/log"
	"github.com/agentctl/agentctl/internal/metrics"
	"github.com/agentctl/agentctl/internal/supervisor"
	"github.com/agentctl/agentctl/internal/types"
)

const statusPollInterval = 2 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the supervisor and control plane as a long-running daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := log.New(cfg.Verbose)
	defer logger.Sync()

	ruleSet, err := loadRuleSetOptional(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	events, err := eventlog.Open(cfg.EventLogPath, cfg.EventLogMaxBytes)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer events.Close()

	sv := supervisor.New(*cfg, logger, events, ruleSet, workDir)
	collectors := metrics.New(prometheus.DefaultRegisterer)

	cpServer := controlplane.New(sv, events, logger)

	httpServer := &http.Server{Addr: cfg.Control.ListenAddr, Handler: cpServer.Router()}
	metricsServer := &http.Server{Addr: cfg.Control.MetricsAddr, Handler: metricsOnlyMux()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	statusCtx, stopStatusLoop := context.WithCancel(context.Background())
	go pollStatusIntoMetrics(statusCtx, sv, collectors)

	serverErrs := make(chan error, 2)
	go func() {
		logger.Infow("control plane listening", "addr", cfg.Control.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- fmt.Errorf("control plane: %w", err)
		}
	}()
	go func() {
		logger.Infow("metrics listening", "addr", cfg.Control.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serverErrs:
		logger.Errorw("server error, shutting down", "error", err)
	}

	stopStatusLoop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	sv.Shutdown(5 * time.Second)
	return nil
}

// metricsOnlyMux exposes /metrics and /healthz on a dedicated listener,
// separate from the control plane's websocket port, the split-port
// pattern most Prometheus-scraped services use in production.
func metricsOnlyMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// pollStatusIntoMetrics periodically reflects Supervisor.Status() into the
// gauge set so /metrics stays current between task-driven updates.
func pollStatusIntoMetrics(ctx context.Context, sv *supervisor.Supervisor, collectors *metrics.Collectors) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := sv.Status()
			busy, idle := 0, 0
			for _, w := range status.Workers {
				if w.State == types.WorkerBusy {
					busy++
				} else if w.State == types.WorkerIdle {
					idle++
				}
			}
			collectors.ObserveStatus(status.QueueDepth, busy, idle)
		}
	}
}
