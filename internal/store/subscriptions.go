package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type SubscriptionRecord struct {
	UserID                 string
	Provider               string
	ExternalCustomerID     string
	ExternalSubscriptionID string
	PlanCode               string
	Status                 string
	CurrentPeriodEnd       sql.NullTime
	CancelAtPeriodEnd      bool
	GraceUntil             sql.NullTime
	UpdatedAt              time.Time
}

// UpsertSubscription writes the latest provider snapshot for a user. Empty
// external ids and plan codes never overwrite known values.
func (s *Store) UpsertSubscription(ctx context.Context, rec SubscriptionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, provider, external_customer_id, external_subscription_id, plan_code, status,
			current_period_end, cancel_at_period_end, grace_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (user_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			external_customer_id = COALESCE(NULLIF(EXCLUDED.external_customer_id, ''), subscriptions.external_customer_id),
			external_subscription_id = COALESCE(NULLIF(EXCLUDED.external_subscription_id, ''), subscriptions.external_subscription_id),
			plan_code = COALESCE(NULLIF(EXCLUDED.plan_code, ''), subscriptions.plan_code),
			status = EXCLUDED.status,
			current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			grace_until = EXCLUDED.grace_until,
			updated_at = now()`,
		rec.UserID, rec.Provider, rec.ExternalCustomerID, rec.ExternalSubscriptionID, rec.PlanCode, rec.Status,
		rec.CurrentPeriodEnd, rec.CancelAtPeriodEnd, rec.GraceUntil)
	return err
}

// GetSubscription returns sql.ErrNoRows for users that never subscribed.
func (s *Store) GetSubscription(ctx context.Context, userID string) (SubscriptionRecord, error) {
	var rec SubscriptionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, provider, external_customer_id, external_subscription_id, plan_code, status,
			current_period_end, cancel_at_period_end, grace_until, updated_at
		FROM subscriptions WHERE user_id = $1`, userID).
		Scan(&rec.UserID, &rec.Provider, &rec.ExternalCustomerID, &rec.ExternalSubscriptionID, &rec.PlanCode,
			&rec.Status, &rec.CurrentPeriodEnd, &rec.CancelAtPeriodEnd, &rec.GraceUntil, &rec.UpdatedAt)
	return rec, err
}

func (s *Store) FindUserByExternalSubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM subscriptions WHERE external_subscription_id = $1 LIMIT 1`, subscriptionID).Scan(&userID)
	return userID, err
}

func (s *Store) FindUserByExternalCustomerID(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM subscriptions WHERE external_customer_id = $1 ORDER BY updated_at DESC LIMIT 1`, customerID).Scan(&userID)
	return userID, err
}

// UpdateSubscriptionStatus sets status and grace window for a user.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, userID, status string, graceUntil sql.NullTime) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET status = $2, grace_until = $3, updated_at = now() WHERE user_id = $1`,
		userID, status, graceUntil)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertWebhookEventIfAbsent records a provider event. When the event was
// already seen it reports inserted=false along with the stored status.
func (s *Store) InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (bool, string, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, external_event_id, event_type, payload_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, external_event_id) DO NOTHING`,
		provider, eventID, eventType, payloadHash)
	if err != nil {
		return false, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if n > 0 {
		return true, "received", nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM webhook_events WHERE provider = $1 AND external_event_id = $2`, provider, eventID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	return false, status, err
}

func (s *Store) UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $3, error = $4, processed_at = CASE WHEN $3 = 'processed' THEN now() ELSE processed_at END
		WHERE provider = $1 AND external_event_id = $2`,
		provider, eventID, status, errMsg)
	return err
}
