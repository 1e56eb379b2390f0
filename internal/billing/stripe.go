package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"convocatorias/internal/cache"
	"convocatorias/internal/config"
	"convocatorias/internal/store"
)

const stripeProvider = "stripe"

var ErrInvalidSignature = errors.New("invalid stripe signature")

// SubscriptionStore is the persistence the webhook handler needs.
type SubscriptionStore interface {
	InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (bool, string, error)
	UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, errMsg string) error
	UpsertSubscription(ctx context.Context, rec store.SubscriptionRecord) error
	GetSubscription(ctx context.Context, userID string) (store.SubscriptionRecord, error)
	FindUserByExternalSubscriptionID(ctx context.Context, subscriptionID string) (string, error)
	FindUserByExternalCustomerID(ctx context.Context, customerID string) (string, error)
	UpdateSubscriptionStatus(ctx context.Context, userID, status string, graceUntil sql.NullTime) error
}

type StripeService struct {
	Config config.Config
	Store  SubscriptionStore
	Cache  cache.Cache
	Now    func() time.Time
}

func NewStripeService(cfg config.Config, st SubscriptionStore, c cache.Cache) *StripeService {
	return &StripeService{
		Config: cfg,
		Store:  st,
		Cache:  c,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type stripePrice struct {
	ID        string `json:"id"`
	LookupKey string `json:"lookup_key"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscription struct {
	ID                string                  `json:"id"`
	Customer          string                  `json:"customer"`
	Status            string                  `json:"status"`
	CurrentPeriodEnd  int64                   `json:"current_period_end"`
	CancelAtPeriodEnd bool                    `json:"cancel_at_period_end"`
	Metadata          map[string]string       `json:"metadata"`
	Items             stripeSubscriptionItems `json:"items"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

// ProcessWebhook verifies and applies one Stripe event. Replays of an event
// that was already processed are accepted without side effects; failed
// events are recorded and may be delivered again.
func (s *StripeService) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if s == nil || s.Store == nil {
		return errors.New("stripe service not configured")
	}
	if err := s.verifySignature(payload, signatureHeader); err != nil {
		return err
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	if event.ID == "" || event.Type == "" {
		return errors.New("invalid stripe event payload")
	}

	inserted, existingStatus, err := s.Store.InsertWebhookEventIfAbsent(ctx, stripeProvider, event.ID, event.Type, sha256Hex(payload))
	if err != nil {
		return err
	}
	if !inserted && existingStatus == "processed" {
		return nil
	}

	userID, err := s.applyEvent(ctx, event)
	if err != nil {
		_ = s.Store.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "failed", err.Error())
		return err
	}
	if err := s.Store.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "processed", ""); err != nil {
		return err
	}
	if userID != "" {
		s.invalidate(ctx, userID)
		log.Info().Str("user_id", userID).Str("event_type", event.Type).Str("event_id", event.ID).Msg("subscription updated")
	}
	return nil
}

func (s *StripeService) applyEvent(ctx context.Context, event stripeEvent) (string, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			return "", err
		}
		userID := strings.TrimSpace(session.ClientReferenceID)
		if userID == "" {
			userID = strings.TrimSpace(session.Metadata["user_id"])
		}
		if userID == "" {
			return "", errors.New("checkout session missing client_reference_id user mapping")
		}
		if strings.TrimSpace(session.Subscription) == "" {
			return "", nil
		}
		return userID, s.Store.UpsertSubscription(ctx, store.SubscriptionRecord{
			UserID:                 userID,
			Provider:               stripeProvider,
			ExternalCustomerID:     session.Customer,
			ExternalSubscriptionID: session.Subscription,
			Status:                 "checkout_completed",
		})
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return "", err
		}
		return s.applySubscriptionSnapshot(ctx, sub, event.Type == "customer.subscription.deleted")
	case "invoice.paid":
		var invoice stripeInvoice
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return "", err
		}
		return s.applyInvoiceStatus(ctx, invoice, "active")
	case "invoice.payment_failed":
		var invoice stripeInvoice
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return "", err
		}
		return s.applyInvoiceStatus(ctx, invoice, "past_due")
	default:
		return "", nil
	}
}

func (s *StripeService) applySubscriptionSnapshot(ctx context.Context, sub stripeSubscription, forceCanceled bool) (string, error) {
	userID, err := s.resolveUserID(ctx, sub.Metadata["user_id"], sub.Customer, sub.ID)
	if err != nil {
		return "", err
	}
	planCode := extractPlanCode(sub)
	if planCode == "" {
		return "", errors.New("subscription event missing plan code")
	}

	periodEnd := fromUnixOrDefault(sub.CurrentPeriodEnd, s.Now().Add(30*24*time.Hour))
	status := normalizeSubscriptionStatus(sub.Status, forceCanceled)

	return userID, s.Store.UpsertSubscription(ctx, store.SubscriptionRecord{
		UserID:                 userID,
		Provider:               stripeProvider,
		ExternalCustomerID:     sub.Customer,
		ExternalSubscriptionID: sub.ID,
		PlanCode:               planCode,
		Status:                 status,
		CurrentPeriodEnd:       sql.NullTime{Time: periodEnd, Valid: true},
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		GraceUntil:             graceUntilForStatus(status, periodEnd, s.Config.Billing.PastDueGraceDays),
	})
}

func (s *StripeService) applyInvoiceStatus(ctx context.Context, invoice stripeInvoice, mappedStatus string) (string, error) {
	userID, err := s.resolveUserID(ctx, "", invoice.Customer, invoice.Subscription)
	if err != nil {
		return "", err
	}
	current, err := s.Store.GetSubscription(ctx, userID)
	if err != nil {
		return "", err
	}
	periodEnd := s.Now()
	if current.CurrentPeriodEnd.Valid {
		periodEnd = current.CurrentPeriodEnd.Time
	}
	grace := graceUntilForStatus(mappedStatus, periodEnd, s.Config.Billing.PastDueGraceDays)
	return userID, s.Store.UpdateSubscriptionStatus(ctx, userID, mappedStatus, grace)
}

func (s *StripeService) resolveUserID(ctx context.Context, directUserID, customerID, subscriptionID string) (string, error) {
	if userID := strings.TrimSpace(directUserID); userID != "" {
		return userID, nil
	}
	if subscriptionID != "" {
		userID, err := s.Store.FindUserByExternalSubscriptionID(ctx, subscriptionID)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	if customerID != "" {
		userID, err := s.Store.FindUserByExternalCustomerID(ctx, customerID)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	return "", errors.New("unable to resolve user for stripe event")
}

func (s *StripeService) invalidate(ctx context.Context, userID string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Del(ctx, cache.DashboardKey(userID)); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("dashboard cache invalidation failed")
	}
}

func (s *StripeService) verifySignature(payload []byte, signatureHeader string) error {
	secret := strings.TrimSpace(s.Config.Billing.StripeWebhookSecret)
	if secret == "" {
		return errors.New("stripe webhook secret not configured")
	}

	timestamp, signature, err := parseStripeSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}

	signedPayload := []byte(timestamp + "." + string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(signedPayload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}

	tsInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if delta := s.Now().Sub(time.Unix(tsInt, 0)); delta > 5*time.Minute || delta < -5*time.Minute {
		return ErrInvalidSignature
	}
	return nil
}

func parseStripeSignatureHeader(header string) (string, string, error) {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	if ts == "" || sig == "" {
		return "", "", ErrInvalidSignature
	}
	return ts, sig, nil
}

func extractPlanCode(sub stripeSubscription) string {
	if len(sub.Items.Data) == 0 {
		return ""
	}
	price := sub.Items.Data[0].Price
	if strings.TrimSpace(price.LookupKey) != "" {
		return strings.TrimSpace(price.LookupKey)
	}
	return strings.TrimSpace(price.ID)
}

func normalizeSubscriptionStatus(status string, deleted bool) string {
	if deleted {
		return "canceled"
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "trialing", "active", "past_due", "canceled", "unpaid":
		return strings.ToLower(strings.TrimSpace(status))
	default:
		return "unpaid"
	}
}

func fromUnixOrDefault(raw int64, fallback time.Time) time.Time {
	if raw <= 0 {
		return fallback
	}
	return time.Unix(raw, 0).UTC()
}

func graceUntilForStatus(status string, periodEnd time.Time, graceDays int) sql.NullTime {
	if status != "past_due" {
		return sql.NullTime{}
	}
	if graceDays <= 0 {
		graceDays = 1
	}
	return sql.NullTime{Time: periodEnd.Add(time.Duration(graceDays) * 24 * time.Hour), Valid: true}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
