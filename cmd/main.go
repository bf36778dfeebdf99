package main

import (
	"context"
	"errors"
	"image"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/config"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/diskcache"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/fetch"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/loader"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/metrics"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/migrate"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/mq"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/resolver"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/sizing"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/transform"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/warmer"
	pkglog "github.com/weiawesome/wes-io-live/avatar-loader/pkg/log"
	pkgstorage "github.com/weiawesome/wes-io-live/avatar-loader/pkg/storage"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialise structured logger.
	logCfg := cfg.Log
	if logCfg.Level == "debug" {
		logCfg.Pretty = true
	}
	pkglog.Init(logCfg)
	l := pkglog.L()
	l.Info().Msg("avatar-loader starting")

	metrics.Init()
	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           pkglog.HTTPMiddleware(l)(promhttp.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	l.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint listening")

	// Drop the pre-HTTP-cache layout before the new cache starts using disk.
	migrate.RemoveLegacyCache(afero.NewOsFs(), cfg.Cache.LegacyDir)

	// Initialise the HTTP response cache and fetch client.
	cacheStorage, err := pkgstorage.New(context.Background(), cfg.Cache.Storage)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init cache storage")
	}
	respCache, err := diskcache.New(context.Background(), cacheStorage, cfg.Cache.Config)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to open disk cache")
	}
	fetcher := fetch.New(cfg.Fetch, respCache)

	// Size policy is fixed for the life of the process.
	policy := sizing.Resolve(cfg.Theme, cfg.Theme.Density)
	l.Info().
		Int("size_px", policy.SizePx).
		Float64("corner_radius_px", policy.CornerRadiusPx).
		Msg("avatar size policy resolved")

	opts := []loader.Option{}
	if cfg.Theme.Placeholder != "" {
		img, err := loadPlaceholder(cfg.Theme.Placeholder, policy)
		if err != nil {
			l.Fatal().Err(err).Str("path", cfg.Theme.Placeholder).Msg("failed to load placeholder")
		}
		opts = append(opts, loader.WithPlaceholder(img))
	}

	ld, err := loader.New(cfg.Loader, policy, resolver.New(cfg.Avatar), fetcher, opts...)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init avatar loader")
	}

	// Initialise output storage for rendered avatars.
	outStorage, err := pkgstorage.New(context.Background(), cfg.Storage)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init output storage")
	}

	// Initialise Kafka publisher.
	publisher, err := mq.NewKafkaPublisher(cfg.Kafka)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init kafka publisher")
	}

	// Initialise warmer (implements mq.AvatarProcessedHandler).
	w, err := warmer.New(cfg.Warmer, ld, outStorage, publisher)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init warmer")
	}

	// Initialise Kafka consumer.
	consumer, err := mq.NewKafkaConsumer(cfg.Kafka, w)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init kafka consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := consumer.Start(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to start consumer")
	}

	// Block until SIGINT / SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info().Msg("shutting down: waiting for in-flight renders to complete")
	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		consumer.Close()  // waits for the current event to finish
		ld.Close()        // then cancels queued loads
		publisher.Close() // then flushes rendered events

		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		metricsSrv.Shutdown(shutdownCtx)
	}()

	select {
	case <-shutdownDone:
		l.Info().Msg("shutdown complete")
	case <-time.After(30 * time.Second):
		l.Warn().Msg("shutdown timed out after 30s")
	}
}

// loadPlaceholder reads an image file and shapes it like a rendered avatar.
func loadPlaceholder(path string, policy sizing.Policy) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	square := imaging.Fill(img, policy.SizePx, policy.SizePx, imaging.Center, imaging.Lanczos)
	return transform.RoundCorners(square, policy.CornerRadiusPx), nil
}
