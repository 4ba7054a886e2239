package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fleet/api/catalog"
	"fleet/api/channel"
	"fleet/api/config"
	"fleet/api/events"
	"fleet/api/handler"
	"fleet/api/hub"
	"fleet/api/metrics"
	"fleet/api/registry"
	"fleet/api/retention"
	"fleet/api/scheduler"
	"fleet/api/storage"
	"fleet/api/store"
	"fleet/api/tasks"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

type fleetStore interface {
	registry.Store
	tasks.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	setupLogging(cfg)

	var (
		st     fleetStore
		pinger handler.Pinger
	)
	if cfg.MemoryStore() {
		log.Warn().Str("component", "main").Msg("using in-memory store; state is lost on restart")
		st = store.NewMemory()
	} else {
		db, err := store.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("database")
		}
		defer db.Close()
		if err := store.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("migration")
		}
		st, pinger = db, db
	}

	var archiver tasks.Archiver
	if cfg.ArchiveEnabled() {
		s3Client, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("s3 storage")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s3Client.EnsureBucket(ctx); err != nil {
			log.Warn().Err(err).Str("component", "main").Msg("archive bucket unavailable; retention sweeps will fail until it is reachable")
		}
		cancel()
		archiver = s3Client
		log.Info().Str("component", "main").Str("endpoint", s3Client.Endpoint()).Str("bucket", cfg.S3Bucket).Msg("task archive enabled")
	}

	allowedOrigins := append([]string{"http://localhost:5173", "http://localhost:3000"}, cfg.AllowedOrigins...)

	collector := metrics.New()
	eventHub := hub.New(allowedOrigins)
	notifiers := events.Multi{events.Logger{}, collector, eventHub}
	var webhook *events.Webhook
	if cfg.AlertWebhookURL != "" {
		webhook = events.NewWebhook(cfg.AlertWebhookURL)
		notifiers = append(notifiers, webhook)
	}

	reg := registry.New(st, registry.Options{TokenTTL: cfg.TokenTTL, SessionTTL: cfg.SessionTTL, Notifier: notifiers})
	queue := tasks.New(st, reg, tasks.Options{
		Resolvers: tasks.DefaultResolvers(catalog.New(cfg.AppsDir)),
		Notifier:  notifiers,
		Archiver:  archiver,
	})
	sched := scheduler.New(reg)
	channelHub := channel.New(reg, queue, channel.Options{PingInterval: cfg.PingInterval, Metrics: collector})
	watchdog := channel.NewWatchdog(reg, cfg.WatchdogInterval, cfg.HeartbeatTimeout)
	sweeper, err := retention.New(queue, cfg.RetentionSchedule, cfg.RetentionDays)
	if err != nil {
		log.Fatal().Err(err).Msg("retention")
	}

	h := handler.New(handler.Deps{
		Registry:  reg,
		Queue:     queue,
		Scheduler: sched,
		Channel:   channelHub,
		Events:    eventHub,
		DB:        pinger,
		Retention: sweeper,
		Version:   Version,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Node-ID"},
		AllowCredentials: true,
	}))
	if cfg.APIToken != "" {
		log.Info().Str("component", "main").Msg("API token auth enabled")
	}
	h.Mount(r, handler.BearerAuth(cfg.APIToken))
	r.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error { return eventHub.Run(egCtx) })
	eg.Go(func() error { return watchdog.Run(egCtx) })
	eg.Go(func() error { return sweeper.Run(egCtx) })
	if webhook != nil {
		eg.Go(func() error { return webhook.Run(egCtx) })
	}
	eg.Go(func() error {
		log.Info().Str("component", "main").Str("version", Version).Str("addr", srv.Addr).Msg("fleet listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Str("component", "main").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Sessions are hijacked connections; Shutdown does not wait for them.
		channelHub.Close()
		return err
	})

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Str("component", "main").Msg("exited with error")
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
