package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"convocatorias/internal/auth"
	"convocatorias/internal/billing"
	"convocatorias/internal/cache"
	"convocatorias/internal/config"
	"convocatorias/internal/convocatoria"
	"convocatorias/internal/llm"
	"convocatorias/internal/llm/llmtest"
	"convocatorias/internal/plans"
	"convocatorias/internal/search"
	"convocatorias/internal/store"
	"convocatorias/internal/syncqueue"
)

const testSigningKey = "test-signing-key-for-handler-tests"

const corfoResponse = `Claro, aquí está: {"convocatorias":[{"nombre_concurso":"Semilla Inicia","institucion":"CORFO","fecha_cierre":"2099-03-31"}],"confidence":82}`

type fakeSubscriptions struct {
	subs map[string]store.SubscriptionRecord
}

func (f *fakeSubscriptions) GetSubscription(_ context.Context, userID string) (store.SubscriptionRecord, error) {
	sub, ok := f.subs[userID]
	if !ok {
		return store.SubscriptionRecord{}, sql.ErrNoRows
	}
	return sub, nil
}

type fakeUsage struct {
	mu   sync.Mutex
	used map[string]int
}

func (f *fakeUsage) ReserveUsage(_ context.Context, userID, meter string, limit int, _ time.Time) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used == nil {
		f.used = map[string]int{}
	}
	key := userID + ":" + meter
	if f.used[key] >= limit {
		return false, f.used[key], nil
	}
	f.used[key]++
	return true, f.used[key], nil
}

type memoryRecords struct {
	mu      sync.Mutex
	records map[string]convocatoria.Convocatoria
	order   []string
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{records: map[string]convocatoria.Convocatoria{}}
}

func (m *memoryRecords) InsertConvocatoria(_ context.Context, userID, id string, rec convocatoria.CandidateRecord) (convocatoria.Convocatoria, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	c := convocatoria.Convocatoria{CandidateRecord: rec, ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}
	m.records[id] = c
	m.order = append(m.order, id)
	return c, nil
}

func (m *memoryRecords) GetConvocatoria(_ context.Context, userID, id string) (convocatoria.Convocatoria, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.records[id]
	if !ok || c.UserID != userID {
		return convocatoria.Convocatoria{}, sql.ErrNoRows
	}
	return c, nil
}

func (m *memoryRecords) ListConvocatorias(_ context.Context, userID string) ([]convocatoria.Convocatoria, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []convocatoria.Convocatoria
	for _, id := range m.order {
		if c, ok := m.records[id]; ok && c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryRecords) CountConvocatorias(ctx context.Context, userID string) (int, error) {
	list, err := m.ListConvocatorias(ctx, userID)
	return len(list), err
}

// ApplyOperation lets the record store double as the sync applier.
func (m *memoryRecords) ApplyOperation(ctx context.Context, userID string, op convocatoria.Operation, _ int) (store.ApplyResult, string, error) {
	switch op.Kind {
	case convocatoria.OpCreate:
		id := op.ConvocatoriaID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := m.InsertConvocatoria(ctx, userID, id, op.Record); err != nil {
			return "", "", err
		}
		return store.ApplyApplied, id, nil
	case convocatoria.OpDelete:
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.records[op.ConvocatoriaID]; !ok {
			return store.ApplyNotFound, op.ConvocatoriaID, nil
		}
		delete(m.records, op.ConvocatoriaID)
		return store.ApplyApplied, op.ConvocatoriaID, nil
	default:
		return "", "", errors.New("unsupported")
	}
}

type fakeIndex struct {
	mu      sync.Mutex
	put     []string
	deleted []string
	err     error
}

func (f *fakeIndex) Put(_ context.Context, c convocatoria.Convocatoria) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put = append(f.put, c.ID)
	return nil
}

func (f *fakeIndex) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) Search(_ context.Context, userID, query string, _ int) ([]search.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []search.Hit{{Document: search.Document{ID: "from-index", UserID: userID, Name: query}, Score: 1}}, nil
}

type fakeWebhook struct {
	err     error
	payload []byte
}

func (f *fakeWebhook) ProcessWebhook(_ context.Context, payload []byte, _ string) error {
	f.payload = payload
	return f.err
}

type testEnv struct {
	handler *Handler
	routes  http.Handler
	gateway *llmtest.Stub
	records *memoryRecords
	subs    *fakeSubscriptions
	authSvc *auth.Service
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Security.TokenSigningKey = testSigningKey
	cfg.HTTP.RequestTimeout = 0
	if mutate != nil {
		mutate(&cfg)
	}
	subs := &fakeSubscriptions{subs: map[string]store.SubscriptionRecord{
		"pro-user": {UserID: "pro-user", PlanCode: "pro", Status: "active"},
	}}
	authSvc := auth.NewService(cfg)
	gate := plans.NewService(cfg, subs, &fakeUsage{}, nil)
	records := newMemoryRecords()
	gw := &llmtest.Stub{Response: corfoResponse}

	h := NewHandler(cfg, authSvc, gate, records, gw, cache.NewMemory())
	return &testEnv{handler: h, routes: h.Routes(), gateway: gw, records: records, subs: subs, authSvc: authSvc}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	return e.tokenWithScopes(t, userID, e.handler.Config.Auth.AIScope)
}

func (e *testEnv) tokenWithScopes(t *testing.T, userID string, scopes ...string) string {
	t.Helper()
	issued, err := e.authSvc.IssueToken(userID, "", scopes, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return issued.Token
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	rec := httptest.NewRecorder()
	e.routes.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return payload
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	payload := decodeBody(t, rec)
	errObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("missing error envelope in %s", rec.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestParseRejectsMissingTokenBeforeGateway(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/parse", "", map[string]any{"content": "CORFO abre Semilla Inicia", "source": "clipboard"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeUnauthorized {
		t.Fatalf("expected unauthorized code, got %s", code)
	}
	if env.gateway.Calls() != 0 {
		t.Fatalf("gateway must not be called for unauthenticated requests")
	}
}

func TestAIRoutesRequireScope(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/v1/parse", "/v1/validate", "/v1/enrich"} {
		body := bytes.NewBufferString(`{"content":"CORFO abre Semilla Inicia","source":"clipboard"}`)
		req := httptest.NewRequest(http.MethodPost, path, body)
		req.Header.Set("Authorization", "Bearer "+env.tokenWithScopes(t, "pro-user", "convocatorias.read"))
		rec := httptest.NewRecorder()
		env.routes.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", path, rec.Code)
		}
		if code := errorCode(t, rec); code != CodeInsufficientScope {
			t.Fatalf("%s: expected insufficient_scope, got %s", path, code)
		}
	}
	if env.gateway.Calls() != 0 {
		t.Fatalf("gateway must not be called without the ai scope")
	}

	rec := env.do(t, http.MethodGet, "/v1/dashboard", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("non-AI routes must not need the scope, got %d", rec.Code)
	}
}

func TestAIScopeCheckCanBeDisabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Auth.AIScope = "" })

	req := httptest.NewRequest(http.MethodPost, "/v1/parse", bytes.NewBufferString(`{"content":"CORFO abre Semilla Inicia","source":"clipboard"}`))
	req.Header.Set("Authorization", "Bearer "+env.tokenWithScopes(t, "user-1"))
	rec := httptest.NewRecorder()
	env.routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without a configured scope, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestParseRefusesInternalURLSource(t *testing.T) {
	env := newTestEnv(t, nil)
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("INTERNAL-ADMIN-SECRET token=abc123"))
	}))
	defer internal.Close()

	rec := env.do(t, http.MethodPost, "/v1/parse", "user-1", map[string]any{"content": internal.URL + "/admin", "source": "url"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != CodeInvalidSource {
		t.Fatalf("expected invalid_source, got %s", code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("INTERNAL-ADMIN-SECRET")) {
		t.Fatalf("internal page content leaked: %s", rec.Body.String())
	}
	if env.gateway.Calls() != 0 {
		t.Fatalf("gateway must not see internal pages, got %d calls", env.gateway.Calls())
	}
}

func TestParseEmptyContent(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/parse", "user-1", map[string]any{"content": "   \n\t ", "source": "clipboard"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["success"] != false {
		t.Fatalf("expected success=false, got %v", payload["success"])
	}
	if errs, _ := payload["errors"].([]any); len(errs) == 0 {
		t.Fatalf("expected errors to be populated")
	}
	if code := errorCode(t, rec); code != CodeEmptyContent {
		t.Fatalf("expected empty_content, got %s", code)
	}
	if env.gateway.Calls() != 0 {
		t.Fatalf("expected zero gateway calls, got %d", env.gateway.Calls())
	}
}

func TestParseInvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/parse", "user-1", `{"content":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeInvalidJSON {
		t.Fatalf("expected invalid_json, got %s", code)
	}
}

func TestCorfoParseThenValidate(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/parse", "user-1", map[string]any{
		"content": "CORFO abre la convocatoria Semilla Inicia. Cierre: 31 de marzo de 2099.",
		"source":  "clipboard",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var outcome struct {
		Success    bool                           `json:"success"`
		Candidates []convocatoria.CandidateRecord `json:"candidates"`
		Confidence int                            `json:"confidence"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if !outcome.Success || len(outcome.Candidates) != 1 || outcome.Confidence != 82 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	rec = env.do(t, http.MethodPost, "/v1/validate", "user-1", map[string]any{"convocatoria": outcome.Candidates[0]})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var validation struct {
		IsValid bool `json:"isValid"`
		Score   int  `json:"score"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &validation); err != nil {
		t.Fatalf("decode validation: %v", err)
	}
	if !validation.IsValid || validation.Score != 75 {
		t.Fatalf("expected a valid record scoring 75, got %+v", validation)
	}
	if env.gateway.Calls() != 1 {
		t.Fatalf("free-tier validation must stay local, got %d gateway calls", env.gateway.Calls())
	}
}

func TestParseGatewayFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gateway.Err = &llm.StatusError{Provider: "stub", StatusCode: http.StatusInternalServerError, Body: "boom"}

	rec := env.do(t, http.MethodPost, "/v1/parse", "user-1", map[string]any{"content": "CORFO abre Semilla Inicia", "source": "clipboard"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["success"] != false {
		t.Fatalf("expected success=false")
	}
	if errs, _ := payload["errors"].([]any); len(errs) != 1 {
		t.Fatalf("expected exactly one error, got %v", payload["errors"])
	}
	if code := errorCode(t, rec); code != CodeLLMCallFailed {
		t.Fatalf("expected llm_call_failed, got %s", code)
	}
}

func TestParseMalformedProviderEnvelope(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gateway.Err = llm.ErrMalformedResponse

	rec := env.do(t, http.MethodPost, "/v1/parse", "user-1", map[string]any{"content": "CORFO abre Semilla Inicia"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeLLMOutputUnparsable {
		t.Fatalf("expected llm_output_unparsable, got %s", code)
	}
}

func TestParseFreeQuota(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Plans.FreeMonthlyParses = 1 })
	body := map[string]any{"content": "CORFO abre Semilla Inicia"}

	if rec := env.do(t, http.MethodPost, "/v1/parse", "user-1", body); rec.Code != http.StatusOK {
		t.Fatalf("expected first parse to succeed, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/v1/parse", "user-1", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["upgrade_required"] != true {
		t.Fatalf("expected upgrade_required flag, got %v", payload)
	}
	if code := errorCode(t, rec); code != CodeQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %s", code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/parse", "pro-user", body); rec.Code != http.StatusOK {
		t.Fatalf("pro users are not metered, got %d", rec.Code)
	}
}

func TestParseRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Plans.RequestsPerMinute = 1 })
	body := map[string]any{"content": "CORFO abre Semilla Inicia"}

	if rec := env.do(t, http.MethodPost, "/v1/parse", "pro-user", body); rec.Code != http.StatusOK {
		t.Fatalf("expected first parse to succeed, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/v1/parse", "pro-user", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestEnrichFreeTierUpgradeRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	record := convocatoria.CandidateRecord{Name: "Semilla Inicia", Organization: "CORFO", ClosingDate: "2099-03-31"}

	rec := env.do(t, http.MethodPost, "/v1/enrich", "user-1", map[string]any{"convocatoria": record})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["upgrade_required"] != true {
		t.Fatalf("expected upgrade_required=true, got %v", payload)
	}
	if env.gateway.Calls() != 0 {
		t.Fatalf("expected zero gateway calls, got %d", env.gateway.Calls())
	}
}

func TestEnrichProDegradesOnGatewayFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gateway.Err = errors.New("timeout")
	record := convocatoria.CandidateRecord{Name: "Semilla Inicia", Organization: "CORFO", ClosingDate: "2099-03-31"}

	rec := env.do(t, http.MethodPost, "/v1/enrich", "pro-user", map[string]any{"convocatoria": record})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected degraded 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["degraded"] != true {
		t.Fatalf("expected degraded result, got %v", payload)
	}
}

func TestCreateConvocatoriaValidatesAndInvalidatesDashboard(t *testing.T) {
	env := newTestEnv(t, nil)
	index := &fakeIndex{}
	env.handler.Search = index

	rec := env.do(t, http.MethodPost, "/v1/convocatorias", "user-1", map[string]any{"convocatoria": map[string]any{"nombre_concurso": "Semilla"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeInvalidRecord {
		t.Fatalf("expected invalid_record, got %s", code)
	}

	rec = env.do(t, http.MethodGet, "/v1/dashboard", "user-1", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("expected dashboard miss, got %d %s", rec.Code, rec.Header().Get("X-Cache"))
	}
	rec = env.do(t, http.MethodGet, "/v1/dashboard", "user-1", nil)
	if rec.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("expected dashboard hit")
	}

	valid := convocatoria.CandidateRecord{Name: "Semilla Inicia", Organization: "CORFO", ClosingDate: "2099-03-31"}
	rec = env.do(t, http.MethodPost, "/v1/convocatorias", "user-1", map[string]any{"convocatoria": valid})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(index.put) != 1 {
		t.Fatalf("expected the record to be indexed")
	}

	rec = env.do(t, http.MethodGet, "/v1/dashboard", "user-1", nil)
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("expected insert to invalidate the dashboard cache")
	}
	payload := decodeBody(t, rec)
	if payload["total"] != float64(1) {
		t.Fatalf("expected total 1, got %v", payload["total"])
	}
}

func TestCreateConvocatoriaFreeCap(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Plans.FreeRecordCap = 1 })
	valid := convocatoria.CandidateRecord{Name: "Semilla Inicia", Organization: "CORFO", ClosingDate: "2099-03-31"}

	if rec := env.do(t, http.MethodPost, "/v1/convocatorias", "user-1", map[string]any{"convocatoria": valid}); rec.Code != http.StatusOK {
		t.Fatalf("expected first insert to succeed, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/v1/convocatorias", "user-1", map[string]any{"convocatoria": valid})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 at the free cap, got %d", rec.Code)
	}
}

func TestSearchFallsBackToStoreScan(t *testing.T) {
	env := newTestEnv(t, nil)
	env.handler.Search = &fakeIndex{err: errors.New("connection refused")}
	ctx := context.Background()
	_, _ = env.records.InsertConvocatoria(ctx, "user-1", "a", convocatoria.CandidateRecord{Name: "Semilla Inicia", Organization: "CORFO", ClosingDate: "2099-03-31"})
	_, _ = env.records.InsertConvocatoria(ctx, "user-1", "b", convocatoria.CandidateRecord{Name: "Fondecyt", Organization: "ANID", ClosingDate: "2099-03-31"})
	_, _ = env.records.InsertConvocatoria(ctx, "user-2", "c", convocatoria.CandidateRecord{Name: "Semilla Expande", Organization: "CORFO", ClosingDate: "2099-03-31"})

	rec := env.do(t, http.MethodGet, "/v1/convocatorias/search?q=corfo", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Hits []search.Hit `json:"hits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Hits) != 1 || payload.Hits[0].ID != "a" {
		t.Fatalf("expected only the caller's CORFO record, got %+v", payload.Hits)
	}

	rec = env.do(t, http.MethodGet, "/v1/convocatorias/search", "user-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty query, got %d", rec.Code)
	}
}

func TestSyncAppliesAndReportsResults(t *testing.T) {
	env := newTestEnv(t, nil)
	index := &fakeIndex{}
	env.handler.Search = index
	env.handler.AttachSync(syncqueue.New(syncqueue.NewMemoryBackend(), env.records, 3))

	create := convocatoria.Operation{
		ID:     uuid.NewString(),
		Kind:   convocatoria.OpCreate,
		Record: convocatoria.CandidateRecord{Name: "Semilla Inicia", Organization: "CORFO", ClosingDate: "2099-03-31"},
	}
	rec := env.do(t, http.MethodPost, "/v1/sync", "user-1", map[string]any{"operations": []convocatoria.Operation{create}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Results []syncqueue.Result `json:"results"`
		Pending int64              `json:"pending"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Results) != 1 || payload.Results[0].Status != syncqueue.StatusApplied || payload.Pending != 0 {
		t.Fatalf("unexpected sync payload %+v", payload)
	}
	if len(index.put) != 1 || index.put[0] != payload.Results[0].ConvocatoriaID {
		t.Fatalf("expected applied create to be indexed, got %v", index.put)
	}

	del := convocatoria.Operation{ID: uuid.NewString(), Kind: convocatoria.OpDelete, ConvocatoriaID: payload.Results[0].ConvocatoriaID}
	rec = env.do(t, http.MethodPost, "/v1/sync", "user-1", map[string]any{"operations": []convocatoria.Operation{del}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(index.deleted) != 1 {
		t.Fatalf("expected applied delete to remove the document")
	}

	bad := convocatoria.Operation{ID: "not-a-uuid", Kind: convocatoria.OpDelete}
	rec = env.do(t, http.MethodPost, "/v1/sync", "user-1", map[string]any{"operations": []convocatoria.Operation{bad}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid operation, got %d", rec.Code)
	}
}

func TestBillingWebhookSignatureFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.handler.Billing = &fakeWebhook{err: billing.ErrInvalidSignature}

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rec := httptest.NewRecorder()
	env.routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeInvalidSignature {
		t.Fatalf("expected invalid_signature, got %s", code)
	}

	ok := &fakeWebhook{}
	env.handler.Billing = ok
	rec = httptest.NewRecorder()
	env.routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", bytes.NewBufferString(`{"id":"evt_2"}`)))
	if rec.Code != http.StatusOK || string(ok.payload) != `{"id":"evt_2"}` {
		t.Fatalf("expected webhook to be processed, got %d", rec.Code)
	}
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	env := newTestEnv(t, nil)
	env.handler.Checks = []Check{
		{Name: "postgres", Ping: func(context.Context) error { return nil }},
		{Name: "redis", Ping: func(context.Context) error { return errors.New("dial tcp: refused") }},
	}

	rec := env.do(t, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}
}
