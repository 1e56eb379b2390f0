package plans

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"convocatorias/internal/config"
	"convocatorias/internal/observability"
	"convocatorias/internal/store"
)

const meterAIParses = "ai_parses"

// SubscriptionReader is the slice of the store the tier lookup needs.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, userID string) (store.SubscriptionRecord, error)
}

// UsageMeter reserves metered units for the current month.
type UsageMeter interface {
	ReserveUsage(ctx context.Context, userID, meter string, limit int, now time.Time) (bool, int, error)
}

type Service struct {
	Config        config.Config
	Subscriptions SubscriptionReader
	Usage         UsageMeter

	RateLimiter *RateLimiter
	Observer    *observability.Observer
	Now         func() time.Time
}

func NewService(cfg config.Config, subs SubscriptionReader, usage UsageMeter, observer *observability.Observer) *Service {
	return &Service{
		Config:        cfg,
		Subscriptions: subs,
		Usage:         usage,
		RateLimiter:   NewRateLimiter(),
		Observer:      observer,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// TierFor resolves the caller's tier. Users without a subscription row, or
// whose subscription no longer grants access, are free.
func (s *Service) TierFor(ctx context.Context, userID string) (Tier, error) {
	if s == nil || s.Subscriptions == nil || userID == "" {
		return TierFree, nil
	}
	sub, err := s.Subscriptions.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TierFree, nil
		}
		return TierFree, err
	}
	if sub.PlanCode != s.proPlanCode() {
		return TierFree, nil
	}
	if err := ValidateSubscriptionAccess(s.Now(), sub); err != nil {
		return TierFree, nil
	}
	return TierPro, nil
}

// RequirePro gates Pro-only features. It never touches the rate limiter or
// usage meter.
func (s *Service) RequirePro(ctx context.Context, userID string) (Tier, error) {
	tier, err := s.TierFor(ctx, userID)
	if err != nil {
		return tier, err
	}
	if !tier.IsPro() {
		s.Observer.RecordDeny(userID, "upgrade_required")
		return tier, ErrUpgradeRequired
	}
	return tier, nil
}

// AuthorizeAI rate limits an AI-backed request and, for free users, reserves
// one unit of the monthly parse quota when metered is set.
func (s *Service) AuthorizeAI(ctx context.Context, userID string, metered bool) (Tier, error) {
	if allowed, retryAfter := s.rateLimiter().Allow(userID, s.Config.Plans.RequestsPerMinute); !allowed {
		s.Observer.RecordDeny(userID, "rate_limited")
		return TierFree, &RateLimitError{RetryAfterSeconds: retryAfter}
	}

	tier, err := s.TierFor(ctx, userID)
	if err != nil {
		return tier, err
	}
	if tier.IsPro() || !metered || s.Usage == nil {
		return tier, nil
	}

	limit := s.Config.Plans.FreeMonthlyParses
	reserved, used, err := s.Usage.ReserveUsage(ctx, userID, meterAIParses, limit, s.Now())
	if err != nil {
		return tier, err
	}
	if !reserved {
		s.Observer.RecordDeny(userID, "quota_exceeded")
		return tier, ErrQuotaExceeded
	}
	s.Observer.RecordAllow(userID, "ai_parse", used, limit)
	return tier, nil
}

// RecordCap is the number of stored convocatorias allowed for a tier. Zero
// means unlimited.
func (s *Service) RecordCap(tier Tier) int {
	if tier.IsPro() {
		return 0
	}
	return s.Config.Plans.FreeRecordCap
}

func (s *Service) proPlanCode() string {
	if s.Config.Billing.ProPlanCode == "" {
		return string(TierPro)
	}
	return s.Config.Billing.ProPlanCode
}

func (s *Service) rateLimiter() *RateLimiter {
	if s.RateLimiter == nil {
		s.RateLimiter = NewRateLimiter()
	}
	return s.RateLimiter
}
