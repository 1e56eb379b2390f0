package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"convocatorias/internal/cache"
	"convocatorias/internal/dashboard"
	"convocatorias/internal/notify"
	"convocatorias/internal/plans"
	"convocatorias/internal/report"
	"convocatorias/internal/search"
	"convocatorias/internal/store"
)

var (
	reportUser string
	reportOut  string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := store.Open(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := store.Migrate(context.Background(), st.DB()); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		cmd.Println("migrations applied")
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the configured dependencies",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write a DOCX with a user's upcoming deadlines",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportUser, "user", "", "user id")
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "deadlines.docx", "output path")
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(reportCmd)
}

type doctorCheck struct {
	Name string
	Fn   func(ctx context.Context) error
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	checks := []doctorCheck{
		{"postgres", func(ctx context.Context) error {
			if cfg.Database.DSN == "" {
				return errSkipped
			}
			st, err := store.Open(cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Ping(ctx)
		}},
		{"redis", func(ctx context.Context) error {
			if cfg.Redis.URL == "" {
				return errSkipped
			}
			client, err := cache.Connect(ctx, cfg.Redis.URL)
			if err != nil {
				return err
			}
			return client.Close()
		}},
		{"elasticsearch", func(ctx context.Context) error {
			if cfg.Search.ElasticsearchURL == "" {
				return errSkipped
			}
			index, err := search.New(cfg.Search.ElasticsearchURL, cfg.Search.Index)
			if err != nil {
				return err
			}
			return index.Ping(ctx)
		}},
		{"rabbitmq", func(context.Context) error {
			if cfg.Reminders.RabbitMQURL == "" {
				return errSkipped
			}
			pub, err := notify.NewRabbitPublisher(cfg.Reminders.RabbitMQURL, cfg.Reminders.Queue)
			if err != nil {
				return err
			}
			pub.Close()
			return nil
		}},
		{"llm", func(context.Context) error {
			gw, err := newGateway(cfg)
			if err != nil {
				return err
			}
			cmd.Printf("llm: provider %s, model %s\n", gw.Name(), gw.Model())
			return nil
		}},
	}

	failed := 0
	for _, check := range checks {
		err := check.Fn(ctx)
		switch {
		case errors.Is(err, errSkipped):
			cmd.Printf("%s: SKIPPED (not configured)\n", check.Name)
		case err != nil:
			failed++
			cmd.Printf("%s: FAIL (%v)\n", check.Name, err)
		default:
			cmd.Printf("%s: OK\n", check.Name)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

var errSkipped = errors.New("skipped")

func runReport(cmd *cobra.Command, _ []string) error {
	if strings.TrimSpace(reportUser) == "" {
		return errors.New("--user is required")
	}
	ctx := context.Background()
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ListConvocatorias(ctx, reportUser)
	if err != nil {
		return err
	}
	tier, err := plans.NewService(cfg, st, nil, nil).TierFor(ctx, reportUser)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	stats := dashboard.Aggregate(records, tier, now, cfg.Plans.FreeRecordCap)
	if err := report.WriteDeadlines(reportOut, reportUser, stats, now); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	cmd.Printf("wrote %s (%d upcoming deadlines)\n", reportOut, len(stats.Upcoming))
	return nil
}
