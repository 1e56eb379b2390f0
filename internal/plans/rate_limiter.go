package plans

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per user, refilled at rpm/60 per second
// with a burst of rpm.
type RateLimiter struct {
	now      func() time.Time
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		now:      func() time.Time { return time.Now().UTC() },
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow takes one token for userID. When denied it returns the whole number
// of seconds until a token is available.
func (r *RateLimiter) Allow(userID string, rpm int) (bool, int) {
	if rpm <= 0 || userID == "" {
		return false, 60
	}
	now := r.now()
	limit := rate.Limit(float64(rpm) / 60.0)

	r.mu.Lock()
	lim, ok := r.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(limit, rpm)
		r.limiters[userID] = lim
	} else if lim.Limit() != limit || lim.Burst() != rpm {
		lim.SetLimitAt(now, limit)
		lim.SetBurstAt(now, rpm)
	}
	r.mu.Unlock()

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, 60
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	res.CancelAt(now)
	retry := int(math.Ceil(delay.Seconds()))
	if retry < 1 {
		retry = 1
	}
	return false, retry
}
