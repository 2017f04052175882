package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/session-gateway/internal/config"
	"github.com/zhouzirui/session-gateway/internal/driver/sim"
	"github.com/zhouzirui/session-gateway/internal/handler"
	"github.com/zhouzirui/session-gateway/internal/observability"
	"github.com/zhouzirui/session-gateway/internal/service/fanout"
	"github.com/zhouzirui/session-gateway/internal/service/metrics"
	"github.com/zhouzirui/session-gateway/internal/service/session"
	"github.com/zhouzirui/session-gateway/internal/service/store"
	"github.com/zhouzirui/session-gateway/internal/service/webhook"
	"github.com/zhouzirui/session-gateway/internal/storage/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.InitLogger("session-gateway", cfg.Log.Level, cfg.Log.Format)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, using system environment only")
	}
	observability.RegisterMetrics()

	db, err := sqlite.Open(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Storage.DatabasePath).Msg("failed to open database")
	}
	defer db.Close()

	blobs, err := store.NewFileBlobStore(cfg.Storage.MediaDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.Storage.MediaDir).Msg("failed to prepare media directory")
	}
	messages := store.New(store.Config{
		RingSize:        cfg.Store.RingSize,
		InlineThreshold: cfg.Store.InlineThreshold,
	}, blobs)

	// Webhook engine, subscriptions persisted in sqlite
	engine := webhook.New(webhook.Config{
		Timeout:   cfg.Webhook.Timeout,
		Workers:   cfg.Webhook.Workers,
		QueueSize: cfg.Webhook.QueueSize,
	}, db, nil)
	if err := engine.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load webhook subscriptions")
	}
	if cfg.Webhook.URL != "" {
		if err := engine.SeedGlobal(ctx, cfg.Webhook.URL, cfg.Webhook.Events); err != nil {
			logger.Warn().Err(err).Msg("ignoring invalid WEBHOOK_URL")
		}
	}
	engine.Start()

	hub := fanout.NewHub()
	factory := sim.NewFactory(sim.Options{
		AutoPairAfter: cfg.Driver.AutoPairAfter,
		Echo:          cfg.Driver.Echo,
	})
	sessions := session.New(factory, messages, session.Options{
		SendTimeout:       cfg.Session.SendTimeout,
		LogoutTimeout:     cfg.Session.LogoutTimeout,
		RecipientDomain:   cfg.Session.RecipientDomain,
		MaxMediaBytes:     cfg.Session.MaxMediaBytes,
		MediaFetchTimeout: cfg.Session.MediaFetchTimeout,
	}, hub, engine)

	collector := metrics.New(metrics.Config{
		Interval:        cfg.Metrics.Interval,
		Capacity:        cfg.Metrics.Capacity,
		FlushInterval:   cfg.Metrics.FlushInterval,
		SessionInterval: cfg.Metrics.SessionInterval,
		SessionCapacity: cfg.Metrics.SessionCapacity,
		WarnPercent:     cfg.Metrics.WarnPercent,
		CriticalPercent: cfg.Metrics.CriticalPercent,
	}, metrics.Sources{
		System:   metrics.HostReader{},
		Sessions: sessions,
		Messages: messages,
		Webhooks: engine,
		Repo:     db,
	})
	if err := collector.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore metrics history")
	}

	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		if err := collector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("metrics collector stopped")
		}
	}()

	router := handler.NewRouter(handler.Deps{
		Sessions:       sessions,
		Store:          messages,
		Webhooks:       engine,
		Collector:      collector,
		Hub:            hub,
		APIKey:         cfg.Server.APIKey,
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxMediaBytes:  cfg.Session.MaxMediaBytes,
		RealtimeBuffer: cfg.Realtime.Buffer,
	})

	if cfg.Server.APIKey == "" {
		logger.Warn().Msg("API_KEY 未配置，/api 路由无需认证")
	}

	startServer(ctx, logger, cfg.Server, router)
	stop()

	shutdown(logger, sessions, engine)
	<-collectorDone
}

func startServer(ctx context.Context, logger zerolog.Logger, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("session gateway listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Error().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdown stops drivers without logging them out, then drains webhook deliveries.
func shutdown(logger zerolog.Logger, sessions *session.Service, engine *webhook.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := sessions.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("session shutdown incomplete")
	}
	if err := engine.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("webhook queue not drained")
	}
	logger.Info().Msg("session gateway stopped")
}
