package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"convocatorias/internal/cache"
	"convocatorias/internal/config"
	"convocatorias/internal/logging"
	"convocatorias/internal/notify"
	"convocatorias/internal/reminders"
	"convocatorias/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CP_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Dev.Mode)

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("store error")
	}
	defer st.Close()

	ctx := context.Background()
	if err := store.Migrate(ctx, st.DB()); err != nil {
		log.Fatal().Err(err).Msg("migration error")
	}

	var dedupe cache.Cache = cache.NewMemory()
	if cfg.Redis.URL != "" {
		client, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis error")
		}
		defer client.Close()
		dedupe = cache.NewRedisCache(client)
	}

	var pub notify.Publisher = notify.LogPublisher{Logger: logger}
	if cfg.Reminders.RabbitMQURL != "" {
		rabbit, err := notify.NewRabbitPublisher(cfg.Reminders.RabbitMQURL, cfg.Reminders.Queue)
		if err != nil {
			log.Fatal().Err(err).Msg("rabbitmq error")
		}
		defer rabbit.Close()
		pub = rabbit
	}

	svc := reminders.NewService(st, dedupe, pub, cfg.Reminders.WindowDays)
	report, err := svc.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("reminder run failed")
	}
	log.Info().
		Int("scanned", report.Scanned).
		Int("published", report.Published).
		Int("skipped", report.Skipped).
		Msg("reminder run complete")
}
