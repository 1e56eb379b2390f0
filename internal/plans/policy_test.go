package plans

import (
	"database/sql"
	"testing"
	"time"

	"convocatorias/internal/store"
)

func TestValidateSubscriptionAccess(t *testing.T) {
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		status    string
		grace     sql.NullTime
		periodEnd sql.NullTime
		wantErr   bool
	}{
		{name: "trialing allowed", status: "trialing", wantErr: false},
		{name: "active allowed", status: "active", wantErr: false},
		{name: "past_due in grace allowed", status: "past_due", grace: sql.NullTime{Time: now.Add(24 * time.Hour), Valid: true}, wantErr: false},
		{name: "past_due out of grace denied", status: "past_due", grace: sql.NullTime{Time: now.Add(-24 * time.Hour), Valid: true}, wantErr: true},
		{name: "past_due without grace denied", status: "past_due", wantErr: true},
		{name: "canceled before period end allowed", status: "canceled", periodEnd: sql.NullTime{Time: now.Add(24 * time.Hour), Valid: true}, wantErr: false},
		{name: "canceled after period end denied", status: "canceled", periodEnd: sql.NullTime{Time: now.Add(-24 * time.Hour), Valid: true}, wantErr: true},
		{name: "unpaid denied", status: "unpaid", wantErr: true},
		{name: "unknown denied", status: "unknown", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub := store.SubscriptionRecord{
				Status:           tc.status,
				GraceUntil:       tc.grace,
				CurrentPeriodEnd: tc.periodEnd,
			}
			err := ValidateSubscriptionAccess(now, sub)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for status %s", tc.status)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("did not expect error for status %s: %v", tc.status, err)
			}
		})
	}
}

func TestRateLimiterDeniesAfterBurst(t *testing.T) {
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow("user-1", 3); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, retry := rl.Allow("user-1", 3)
	if ok {
		t.Fatalf("expected fourth request to be limited")
	}
	if retry < 19 || retry > 21 {
		t.Fatalf("expected retry near 20 seconds at 3 rpm, got %d", retry)
	}
	if ok, _ := rl.Allow("user-2", 3); !ok {
		t.Fatalf("other users must have their own bucket")
	}

	now = now.Add(21 * time.Second)
	if ok, _ := rl.Allow("user-1", 3); !ok {
		t.Fatalf("expected token after refill")
	}
}

func TestRateLimiterRejectsEmptyUser(t *testing.T) {
	rl := NewRateLimiter()
	if ok, retry := rl.Allow("", 30); ok || retry != 60 {
		t.Fatalf("expected denial for anonymous caller, got ok=%v retry=%d", ok, retry)
	}
}
