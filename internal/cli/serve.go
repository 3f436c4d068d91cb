package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rpay/croxy/internal/autorouter"
	"github.com/rpay/croxy/internal/config"
	"github.com/rpay/croxy/internal/forwarder"
	"github.com/rpay/croxy/internal/frontdoor"
	"github.com/rpay/croxy/internal/metricslog"
	"github.com/rpay/croxy/internal/metricsstore"
	"github.com/rpay/croxy/internal/router"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE:  runServe,
	}
}

// runServe loads configuration, wires every component, starts the HTTP
// server, and blocks until SIGINT/SIGTERM, then shuts down gracefully.
// Wiring order and the shutdown sequence follow the teacher's
// cmd/server/main.go.
func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("croxy: failed to load configuration: %w", err)
	}
	logger.Info("configuration loaded", "providers", len(cfg.Providers), "routes", len(cfg.Routes))

	var classifier router.Classifier
	if cfg.AutoRouter.Enabled {
		classifier = autorouter.New(
			cfg.AutoRouter.URL,
			cfg.AutoRouter.Model,
			time.Duration(cfg.AutoRouter.TimeoutMs)*time.Millisecond,
			logger,
		)
	} else {
		classifier = noopClassifier{}
	}

	rt, err := router.New(cfg, classifier)
	if err != nil {
		return fmt.Errorf("croxy: failed to build router: %w", err)
	}

	fw := forwarder.New()
	store := metricsstore.New()

	var logWriter *metricslog.Writer
	if cfg.LoggingMetrics.Enabled {
		logWriter, err = metricslog.NewWriter(cfg.LoggingMetrics.Path, cfg.LoggingMetrics.MaxSizeMB, cfg.LoggingMetrics.MaxFiles, logger)
		if err != nil {
			return fmt.Errorf("croxy: failed to open metrics log: %w", err)
		}
		defer logWriter.Close()
	}

	fd := frontdoor.New(rt, fw, store, logWriter, cfg.Server.MaxBodySize, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", fd.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Retention.Enabled {
		retention := metricsstore.NewRetention(store, cfg.Retention.Minutes, logger)
		go retention.Run(ctx)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("croxy: server failed: %w", err)
		}
	case <-quit:
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server forced to shutdown", "err", err)
		}
		logger.Info("server stopped gracefully")
	}

	return nil
}

// noopClassifier is used when [auto_router] is disabled, so Router.Resolve
// never dereferences a nil Classifier.
type noopClassifier struct{}

func (noopClassifier) Classify(_ []autorouter.Candidate, _ []map[string]interface{}) (string, bool) {
	return "", false
}
