package observability

import (
	"sync"

	"github.com/rs/zerolog"
)

// Observer logs plan gating decisions and pipeline runs per user.
type Observer struct {
	logger zerolog.Logger

	mu         sync.Mutex
	denyCounts map[string]int64
	warned80   map[string]bool
}

func NewObserver(logger zerolog.Logger) *Observer {
	return &Observer{
		logger:     logger.With().Str("component", "plans").Logger(),
		denyCounts: make(map[string]int64),
		warned80:   make(map[string]bool),
	}
}

func (o *Observer) RecordAllow(userID string, reason string, used int, limit int) {
	if o == nil {
		return
	}
	utilization := 0.0
	if limit > 0 {
		utilization = float64(used) / float64(limit)
	}
	o.logger.Debug().
		Str("user_id", userID).
		Str("reason", reason).
		Int("used", used).
		Int("limit", limit).
		Float64("utilization", utilization).
		Msg("plan allow")

	if utilization >= 0.8 {
		o.mu.Lock()
		alreadyWarned := o.warned80[userID]
		if !alreadyWarned {
			o.warned80[userID] = true
		}
		o.mu.Unlock()
		if !alreadyWarned {
			o.logger.Warn().Str("user_id", userID).Int("used", used).Int("limit", limit).Msg("free quota above 80%")
		}
	}
}

func (o *Observer) RecordDeny(userID string, reason string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.denyCounts[userID]++
	count := o.denyCounts[userID]
	o.mu.Unlock()

	o.logger.Info().Str("user_id", userID).Str("reason", reason).Int64("count", count).Msg("plan deny")

	if count%10 == 0 {
		o.logger.Warn().Str("user_id", userID).Str("reason", reason).Int64("repeated_deny_count", count).Msg("repeated plan denials")
	}
}

// DenyCount returns how many denials were recorded for a user.
func (o *Observer) DenyCount(userID string) int64 {
	if o == nil {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.denyCounts[userID]
}

// RecordParse logs the shape of a finished parse.
func (o *Observer) RecordParse(userID string, candidates int, confidence int, degraded bool, truncated bool) {
	if o == nil {
		return
	}
	o.logger.Info().
		Str("user_id", userID).
		Int("candidates", candidates).
		Int("confidence", confidence).
		Bool("degraded", degraded).
		Bool("truncated", truncated).
		Msg("parse finished")
}
