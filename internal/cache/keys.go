package cache

import (
	"crypto/sha1"
	"fmt"
	"time"
)

const (
	EnrichmentTTL = 24 * time.Hour
	DashboardTTL  = 60 * time.Second
	ReminderTTL   = 48 * time.Hour
)

// EnrichmentKey is keyed by a content hash of the candidate so identical
// records share one enrichment.
func EnrichmentKey(candidateHash string) string {
	return fmt.Sprintf("cp:v1:enrich:%s", candidateHash)
}

func DashboardKey(userID string) string {
	return fmt.Sprintf("cp:v1:dashboard:%s", userID)
}

// ReminderKey marks a (record, closing date) pair as already notified.
func ReminderKey(convocatoriaID, closingDate string) string {
	hash := sha1.Sum([]byte(convocatoriaID + "|" + closingDate))
	return fmt.Sprintf("cp:v1:reminder:%x", hash)
}
