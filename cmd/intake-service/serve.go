package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/gateway/middleware"
	"github.com/synaptica-ai/intake/pkg/ingestion"
	"github.com/synaptica-ai/intake/pkg/observability/metrics"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.migrate(); err != nil {
		return err
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready(checkCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	webhooks := router.NewRoute().Subrouter()
	webhooks.Use(middleware.RateLimit(a.cfg.RateLimitRPS, a.cfg.RateLimitBurst))
	webhooks.Use(middleware.BodyLimit(a.cfg.MaxRequestBody))
	ingestion.NewHTTPHandler(a.service, a.sources, a.cfg.MaxRequestBody).Register(webhooks)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", a.cfg.ServerHost, a.cfg.ServerPort),
		Handler:      middleware.Logging(middleware.Recovery(router)),
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSweep()
	go a.unmatched.SweepUnmatched(sweepCtx, a.cfg.UnmatchedRetention, a.cfg.UnmatchedSweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Log.WithFields(logrus.Fields{
			"host":    a.cfg.ServerHost,
			"port":    a.cfg.ServerPort,
			"sources": len(a.sources.Sources),
		}).Info("Intake Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Log.Info("Shutting down Intake Service...")
	stopSweep()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Intake Service stopped")
	return nil
}
