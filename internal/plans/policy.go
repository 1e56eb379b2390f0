package plans

import (
	"errors"
	"strings"
	"time"

	"convocatorias/internal/store"
)

var (
	ErrSubscriptionInactive = errors.New("subscription inactive")
	ErrUpgradeRequired      = errors.New("upgrade required")
	ErrQuotaExceeded        = errors.New("quota exceeded")
)

type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return "rate limited"
}

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

func (t Tier) IsPro() bool { return t == TierPro }

// ValidateSubscriptionAccess reports whether a subscription currently grants
// paid access. past_due keeps access until the grace window closes and
// canceled keeps it until the paid period ends.
func ValidateSubscriptionAccess(now time.Time, sub store.SubscriptionRecord) error {
	switch strings.ToLower(strings.TrimSpace(sub.Status)) {
	case "trialing", "active":
		return nil
	case "past_due":
		if sub.GraceUntil.Valid && !now.After(sub.GraceUntil.Time) {
			return nil
		}
		return ErrSubscriptionInactive
	case "canceled":
		if sub.CurrentPeriodEnd.Valid && !now.After(sub.CurrentPeriodEnd.Time) {
			return nil
		}
		return ErrSubscriptionInactive
	default:
		return ErrSubscriptionInactive
	}
}
