package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"convocatorias/internal/cache"
	"convocatorias/internal/config"
	"convocatorias/internal/store"
)

type webhookRow struct {
	status string
	err    string
}

type memoryStore struct {
	mu      sync.Mutex
	events  map[string]*webhookRow
	subs    map[string]store.SubscriptionRecord
	upserts int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{events: map[string]*webhookRow{}, subs: map[string]store.SubscriptionRecord{}}
}

func (m *memoryStore) InsertWebhookEventIfAbsent(_ context.Context, provider, eventID, _, _ string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + "/" + eventID
	if row, ok := m.events[key]; ok {
		return false, row.status, nil
	}
	m.events[key] = &webhookRow{status: "received"}
	return true, "received", nil
}

func (m *memoryStore) UpdateWebhookEventStatus(_ context.Context, provider, eventID, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[provider+"/"+eventID]
	if !ok {
		return sql.ErrNoRows
	}
	row.status = status
	row.err = errMsg
	return nil
}

func (m *memoryStore) UpsertSubscription(_ context.Context, rec store.SubscriptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	prev, ok := m.subs[rec.UserID]
	if ok {
		if rec.PlanCode == "" {
			rec.PlanCode = prev.PlanCode
		}
		if !rec.CurrentPeriodEnd.Valid {
			rec.CurrentPeriodEnd = prev.CurrentPeriodEnd
		}
	}
	m.subs[rec.UserID] = rec
	return nil
}

func (m *memoryStore) GetSubscription(_ context.Context, userID string) (store.SubscriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.subs[userID]
	if !ok {
		return store.SubscriptionRecord{}, sql.ErrNoRows
	}
	return rec, nil
}

func (m *memoryStore) FindUserByExternalSubscriptionID(_ context.Context, subscriptionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.subs {
		if rec.ExternalSubscriptionID == subscriptionID {
			return rec.UserID, nil
		}
	}
	return "", sql.ErrNoRows
}

func (m *memoryStore) FindUserByExternalCustomerID(_ context.Context, customerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.subs {
		if rec.ExternalCustomerID == customerID {
			return rec.UserID, nil
		}
	}
	return "", sql.ErrNoRows
}

func (m *memoryStore) UpdateSubscriptionStatus(_ context.Context, userID, status string, graceUntil sql.NullTime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.subs[userID]
	if !ok {
		return sql.ErrNoRows
	}
	rec.Status = status
	rec.GraceUntil = graceUntil
	m.subs[userID] = rec
	return nil
}

func newTestService(st *memoryStore, c cache.Cache) *StripeService {
	cfg := config.Default()
	cfg.Billing.StripeWebhookSecret = "whsec_test"
	cfg.Billing.PastDueGraceDays = 7
	svc := NewStripeService(cfg, st, c)
	svc.Now = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }
	return svc
}

func subscriptionPayload(eventID, eventType, status, userID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id":"%s",
		"type":"%s",
		"data":{"object":{
			"id":"sub_1",
			"customer":"cus_1",
			"status":"%s",
			"current_period_end":1702592000,
			"cancel_at_period_end":false,
			"metadata":{"user_id":"%s"},
			"items":{"data":[{"price":{"lookup_key":"pro","id":"price_pro"}}]}
		}}
	}`, eventID, eventType, status, userID))
}

func TestStripeWebhookReplayIsIdempotent(t *testing.T) {
	st := newMemoryStore()
	svc := newTestService(st, nil)
	ctx := context.Background()

	payload := subscriptionPayload("evt_sub_update", "customer.subscription.updated", "active", "user-1")
	header := stripeSignatureHeader("whsec_test", svc.Now().Unix(), payload)

	if err := svc.ProcessWebhook(ctx, payload, header); err != nil {
		t.Fatalf("process first webhook: %v", err)
	}
	if err := svc.ProcessWebhook(ctx, payload, header); err != nil {
		t.Fatalf("process replay webhook: %v", err)
	}
	if st.upserts != 1 {
		t.Fatalf("expected replay to skip side effects, got %d upserts", st.upserts)
	}
	if len(st.events) != 1 {
		t.Fatalf("expected exactly one webhook row, got %d", len(st.events))
	}
}

func TestStripeEventStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		payload   []byte
		expected  string
		wantGrace bool
		prepare   bool
	}{
		{name: "subscription active", payload: subscriptionPayload("evt_a", "customer.subscription.updated", "active", "user-1"), expected: "active"},
		{name: "subscription past_due", payload: subscriptionPayload("evt_b", "customer.subscription.updated", "past_due", "user-1"), expected: "past_due", wantGrace: true},
		{name: "subscription deleted", payload: subscriptionPayload("evt_c", "customer.subscription.deleted", "active", "user-1"), expected: "canceled"},
		{name: "subscription unknown status", payload: subscriptionPayload("evt_d", "customer.subscription.updated", "incomplete", "user-1"), expected: "unpaid"},
		{
			name:     "invoice paid",
			payload:  []byte(`{"id":"evt_e","type":"invoice.paid","data":{"object":{"id":"in_1","customer":"cus_1","subscription":"sub_1"}}}`),
			expected: "active",
			prepare:  true,
		},
		{
			name:      "invoice payment failed",
			payload:   []byte(`{"id":"evt_f","type":"invoice.payment_failed","data":{"object":{"id":"in_2","customer":"cus_1","subscription":"sub_1"}}}`),
			expected:  "past_due",
			wantGrace: true,
			prepare:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := newMemoryStore()
			if tc.prepare {
				st.subs["user-1"] = store.SubscriptionRecord{
					UserID:                 "user-1",
					ExternalCustomerID:     "cus_1",
					ExternalSubscriptionID: "sub_1",
					PlanCode:               "pro",
					Status:                 "unpaid",
					CurrentPeriodEnd:       sql.NullTime{Time: time.Unix(1_702_592_000, 0).UTC(), Valid: true},
				}
			}
			svc := newTestService(st, nil)
			header := stripeSignatureHeader("whsec_test", svc.Now().Unix(), tc.payload)
			if err := svc.ProcessWebhook(context.Background(), tc.payload, header); err != nil {
				t.Fatalf("process webhook: %v", err)
			}
			sub := st.subs["user-1"]
			if sub.Status != tc.expected {
				t.Fatalf("expected status %s, got %s", tc.expected, sub.Status)
			}
			if sub.GraceUntil.Valid != tc.wantGrace {
				t.Fatalf("expected grace=%v, got %+v", tc.wantGrace, sub.GraceUntil)
			}
			if tc.wantGrace {
				want := time.Unix(1_702_592_000, 0).UTC().Add(7 * 24 * time.Hour)
				if !sub.GraceUntil.Time.Equal(want) {
					t.Fatalf("expected grace until %s, got %s", want, sub.GraceUntil.Time)
				}
			}
		})
	}
}

func TestFailedWebhookStoredAndCanBeReprocessed(t *testing.T) {
	st := newMemoryStore()
	svc := newTestService(st, nil)
	ctx := context.Background()

	payload := []byte(`{"id":"evt_retry","type":"invoice.paid","data":{"object":{"id":"in_9","customer":"cus_9","subscription":"sub_9"}}}`)
	header := stripeSignatureHeader("whsec_test", svc.Now().Unix(), payload)

	if err := svc.ProcessWebhook(ctx, payload, header); err == nil {
		t.Fatalf("expected first processing to fail without a user mapping")
	}
	if st.events["stripe/evt_retry"].status != "failed" {
		t.Fatalf("expected failed status, got %s", st.events["stripe/evt_retry"].status)
	}

	st.subs["user-9"] = store.SubscriptionRecord{UserID: "user-9", ExternalCustomerID: "cus_9", ExternalSubscriptionID: "sub_9", PlanCode: "pro", Status: "past_due"}
	if err := svc.ProcessWebhook(ctx, payload, header); err != nil {
		t.Fatalf("expected reprocessing to succeed: %v", err)
	}
	if st.events["stripe/evt_retry"].status != "processed" {
		t.Fatalf("expected processed status")
	}
	if st.subs["user-9"].Status != "active" {
		t.Fatalf("expected active after invoice.paid")
	}
}

func TestCheckoutSessionMapsUser(t *testing.T) {
	st := newMemoryStore()
	svc := newTestService(st, nil)
	payload := []byte(`{"id":"evt_co","type":"checkout.session.completed","data":{"object":{"id":"cs_1","client_reference_id":"user-7","customer":"cus_7","subscription":"sub_7"}}}`)
	header := stripeSignatureHeader("whsec_test", svc.Now().Unix(), payload)
	if err := svc.ProcessWebhook(context.Background(), payload, header); err != nil {
		t.Fatalf("process: %v", err)
	}
	sub := st.subs["user-7"]
	if sub.ExternalSubscriptionID != "sub_7" || sub.Status != "checkout_completed" {
		t.Fatalf("unexpected subscription %+v", sub)
	}
}

func TestWebhookInvalidatesDashboardCache(t *testing.T) {
	st := newMemoryStore()
	mem := cache.NewMemory()
	ctx := context.Background()
	if err := mem.Set(ctx, cache.DashboardKey("user-1"), "stale", time.Minute); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	svc := newTestService(st, mem)
	payload := subscriptionPayload("evt_cache", "customer.subscription.updated", "active", "user-1")
	header := stripeSignatureHeader("whsec_test", svc.Now().Unix(), payload)
	if err := svc.ProcessWebhook(ctx, payload, header); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := mem.Get(ctx, cache.DashboardKey("user-1")); !errors.Is(err, cache.ErrKeyNotFound) {
		t.Fatalf("expected dashboard cache to be invalidated, got %v", err)
	}
}

func TestWebhookSignatureChecks(t *testing.T) {
	svc := newTestService(newMemoryStore(), nil)
	payload := subscriptionPayload("evt_sig", "customer.subscription.updated", "active", "user-1")

	tests := map[string]string{
		"wrong secret": stripeSignatureHeader("whsec_other", svc.Now().Unix(), payload),
		"stale":        stripeSignatureHeader("whsec_test", svc.Now().Add(-10*time.Minute).Unix(), payload),
		"malformed":    "v1=abc",
	}
	for name, header := range tests {
		if err := svc.ProcessWebhook(context.Background(), payload, header); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("%s: expected invalid signature, got %v", name, err)
		}
	}
	if !strings.HasPrefix(stripeSignatureHeader("k", 1, nil), "t=1,") {
		t.Fatalf("unexpected header format")
	}
}

func stripeSignatureHeader(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, string(payload))))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
