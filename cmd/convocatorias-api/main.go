package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"convocatorias/internal/auth"
	"convocatorias/internal/billing"
	"convocatorias/internal/cache"
	"convocatorias/internal/config"
	"convocatorias/internal/httpapi"
	"convocatorias/internal/llm"
	"convocatorias/internal/logging"
	"convocatorias/internal/notify"
	"convocatorias/internal/observability"
	"convocatorias/internal/plans"
	"convocatorias/internal/reminders"
	"convocatorias/internal/search"
	"convocatorias/internal/store"
	"convocatorias/internal/syncqueue"
)

func main() {
	cfg, err := config.Load(os.Getenv("CP_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Dev.Mode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("store error")
	}
	defer st.Close()
	if err := store.Migrate(ctx, st.DB()); err != nil {
		log.Fatal().Err(err).Msg("migration error")
	}

	var (
		c       cache.Cache
		backend syncqueue.Backend
		checks  = []httpapi.Check{{Name: "postgres", Ping: st.Ping}}
	)
	if cfg.Redis.URL != "" {
		client, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis error")
		}
		defer client.Close()
		c = cache.NewRedisCache(client)
		backend = syncqueue.NewRedisBackend(client)
		checks = append(checks, httpapi.Check{Name: "redis", Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() }})
	} else {
		log.Warn().Msg("no redis configured, using in-process cache and sync queue")
		c = cache.NewMemory()
		backend = syncqueue.NewMemoryBackend()
	}

	gw, err := llm.FromConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("llm gateway error")
	}

	observer := observability.NewObserver(logger)
	gate := plans.NewService(cfg, st, st, observer)
	handler := httpapi.NewHandler(cfg, auth.NewService(cfg), gate, st, gw, c)
	handler.Observer = observer
	handler.Billing = billing.NewStripeService(cfg, st, c)
	handler.AttachSync(syncqueue.New(backend, st, cfg.Sync.MaxAttempts))

	if cfg.Search.ElasticsearchURL != "" {
		index, err := search.New(cfg.Search.ElasticsearchURL, cfg.Search.Index)
		if err != nil {
			log.Fatal().Err(err).Msg("elasticsearch error")
		}
		if err := index.EnsureIndex(ctx); err != nil {
			log.Warn().Err(err).Msg("search index not ready")
		}
		handler.Search = index
		checks = append(checks, httpapi.Check{Name: "elasticsearch", Ping: index.Ping})
	}
	handler.Checks = checks

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("llm_provider", gw.Name()).Msg("convocatorias-api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Reminders.Interval > 0 {
		var pub notify.Publisher = notify.LogPublisher{Logger: logger}
		if cfg.Reminders.RabbitMQURL != "" {
			rabbit, err := notify.NewRabbitPublisher(cfg.Reminders.RabbitMQURL, cfg.Reminders.Queue)
			if err != nil {
				log.Fatal().Err(err).Msg("rabbitmq error")
			}
			defer rabbit.Close()
			pub = rabbit
		}
		svc := reminders.NewService(st, c, pub, cfg.Reminders.WindowDays)
		g.Go(func() error { return svc.Loop(gctx, cfg.Reminders.Interval) })
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("convocatorias-api stopped")
}
