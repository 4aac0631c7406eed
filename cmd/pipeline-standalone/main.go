package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/chunked-content-pipeline/internal/logging"
	"github.com/tendant/chunked-content-pipeline/pkg/runner"
)

// Standalone pipeline for local testing.
// Memory bus and status repository, filesystem chunks under STORAGE_DIR
// (./dev-data) and an embedded simple-content archive. No Postgres needed.
func main() {
	cfg, err := runner.LoadConfig("")
	if err != nil {
		logging.New("info", "console").Fatal().Err(err).Msg("failed to load config")
	}
	if addr := os.Getenv("PIPELINE_HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := runner.NewStandalone(ctx, *cfg, log, runner.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer r.Shutdown(10 * time.Second)

	if err := r.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start pipeline")
	}

	log.Info().
		Str("storage", cfg.Storage.Backend).
		Str("storage_dir", cfg.Storage.Dir).
		Str("addr", cfg.HTTPAddr).
		Msg("standalone pipeline started")

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Msg("try: go run ./examples/upload-test -file <path>")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}
