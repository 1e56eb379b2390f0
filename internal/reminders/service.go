// Package reminders finds convocatorias with an approaching closing date and
// publishes one reminder per record and date.
package reminders

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"convocatorias/internal/cache"
	"convocatorias/internal/convocatoria"
	"convocatorias/internal/dashboard"
	"convocatorias/internal/notify"
)

type Source interface {
	ListClosingBetween(ctx context.Context, from, to time.Time) ([]convocatoria.Convocatoria, error)
}

type Service struct {
	Source     Source
	Dedupe     cache.Cache
	Publisher  notify.Publisher
	WindowDays int
	Now        func() time.Time
}

type Report struct {
	Scanned   int
	Published int
	Skipped   int
}

func NewService(src Source, dedupe cache.Cache, pub notify.Publisher, windowDays int) *Service {
	if windowDays <= 0 {
		windowDays = 7
	}
	return &Service{
		Source:     src,
		Dedupe:     dedupe,
		Publisher:  pub,
		WindowDays: windowDays,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run publishes reminders for records closing between today and today plus
// WindowDays. A record is reminded at most once per closing date while its
// dedupe key lives. A failed publish releases the key so the next run
// retries it.
func (s *Service) Run(ctx context.Context) (Report, error) {
	var report Report
	if s == nil || s.Source == nil || s.Publisher == nil {
		return report, nil
	}

	now := s.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	records, err := s.Source.ListClosingBetween(ctx, today, today.AddDate(0, 0, s.WindowDays))
	if err != nil {
		return report, err
	}

	for _, rec := range records {
		report.Scanned++
		key := cache.ReminderKey(rec.ID, rec.ClosingDate)
		if s.Dedupe != nil {
			fresh, err := s.Dedupe.SetNX(ctx, key, now.Format(time.RFC3339), cache.ReminderTTL)
			if err != nil {
				return report, err
			}
			if !fresh {
				report.Skipped++
				continue
			}
		}

		closing, _ := convocatoria.ParseDate(rec.ClosingDate)
		days := int(closing.Sub(today).Hours() / 24)
		reminder := notify.DeadlineReminder{
			ConvocatoriaID: rec.ID,
			UserID:         rec.UserID,
			Name:           rec.Name,
			Organization:   rec.Organization,
			ClosingDate:    rec.ClosingDate,
			DaysRemaining:  days,
			Priority:       string(dashboard.PriorityFor(days)),
			CreatedAt:      now,
		}
		if err := s.Publisher.Publish(ctx, reminder); err != nil {
			if s.Dedupe != nil {
				_ = s.Dedupe.Del(ctx, key)
			}
			return report, err
		}
		report.Published++
	}

	return report, nil
}

// Loop runs the service every interval until ctx is done.
func (s *Service) Loop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := s.Run(ctx)
		if err != nil {
			log.Error().Err(err).Msg("reminder run failed")
		} else {
			log.Info().Int("scanned", report.Scanned).Int("published", report.Published).Int("skipped", report.Skipped).Msg("reminder run complete")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
