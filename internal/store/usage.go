package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MonthStart returns the first day of t's month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ReserveUsage increments the meter for the current month when the result
// stays within limit. It reports whether the unit was granted and the count
// after the attempt. A non-positive limit means unlimited.
func (s *Store) ReserveUsage(ctx context.Context, userID, meter string, limit int, now time.Time) (bool, int, error) {
	period := MonthStart(now).Format("2006-01-02")
	if limit <= 0 {
		var used int
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO usage_counters (user_id, meter_name, period_start, used)
			VALUES ($1, $2, $3::date, 1)
			ON CONFLICT (user_id, meter_name, period_start) DO UPDATE SET used = usage_counters.used + 1
			RETURNING used`, userID, meter, period).Scan(&used)
		return err == nil, used, err
	}

	var used int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (user_id, meter_name, period_start, used)
		VALUES ($1, $2, $3::date, 1)
		ON CONFLICT (user_id, meter_name, period_start) DO UPDATE SET used = usage_counters.used + 1
		WHERE usage_counters.used < $4
		RETURNING used`, userID, meter, period, limit).Scan(&used)
	if err == nil {
		return true, used, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, 0, err
	}
	used, err = s.UsageFor(ctx, userID, meter, now)
	return false, used, err
}

// UsageFor returns the current month's count for a meter.
func (s *Store) UsageFor(ctx context.Context, userID, meter string, now time.Time) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx, `SELECT used FROM usage_counters WHERE user_id = $1 AND meter_name = $2 AND period_start = $3::date`,
		userID, meter, MonthStart(now).Format("2006-01-02")).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return used, err
}
