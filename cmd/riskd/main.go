package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"biomarker-risk/internal/cfg"
	"biomarker-risk/internal/feed"
	"biomarker-risk/internal/metrics"
	"biomarker-risk/internal/scoring"
	"biomarker-risk/internal/server"
	"biomarker-risk/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if level, err := zerolog.ParseLevel(c.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	// Artifacts are loaded once and shared by every request.
	provider := scoring.NewProvider(func() (*scoring.Service, error) {
		return scoring.Load(c, mw)
	})
	svc, err := provider.Get()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load scoring artifacts")
	}
	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	hub := feed.NewHub(server.OriginPolicy(c.CORSOrigins), mw.FeedClients())
	hub.Start()
	defer hub.Stop()

	var history server.History
	if store != nil {
		history = store
	}
	api := server.New(svc, history, hub, mw, server.Config{
		Port:           c.HTTPPort,
		MaxUploadBytes: c.MaxUploadBytes(),
		RequestTimeout: c.RequestTimeout,
		CORSOrigins:    c.CORSOrigins,
	})

	var wg sync.WaitGroup
	startMetricsServer(ctx, &wg, c)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.Start(); err != nil {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()

	waitForShutdown(ctx, cancel)

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown API server")
	}

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		log.Info().Msg("all servers stopped")
	case <-shutdownCtx.Done():
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}

// initializeStorage opens the prediction history when DATA_PATH is set.
func initializeStorage(c cfg.Settings) *storage.Store {
	if !c.HistoryEnabled() {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without prediction history")
		return nil
	}
	return store
}

// startMetricsServer serves Prometheus metrics on the metrics port.
func startMetricsServer(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			<-ctx.Done()
			if err := srv.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()
}
