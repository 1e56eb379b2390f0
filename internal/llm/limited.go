package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited throttles outbound completions shared by every request in the
// process. Wait honours ctx cancellation.
type Limited struct {
	Gateway
	limiter *rate.Limiter
}

func NewLimited(gw Gateway, requestsPerSec float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(requestsPerSec)
	if requestsPerSec <= 0 {
		limit = rate.Inf
	}
	return &Limited{Gateway: gw, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Complete(ctx context.Context, req Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.Gateway.Complete(ctx, req)
}
