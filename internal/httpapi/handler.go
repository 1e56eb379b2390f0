// Package httpapi exposes the parsing pipeline, validation, enrichment and
// the persistence features over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"convocatorias/internal/auth"
	"convocatorias/internal/cache"
	"convocatorias/internal/config"
	"convocatorias/internal/convocatoria"
	"convocatorias/internal/dashboard"
	"convocatorias/internal/enrich"
	"convocatorias/internal/fetch"
	"convocatorias/internal/llm"
	"convocatorias/internal/observability"
	"convocatorias/internal/parser"
	"convocatorias/internal/plans"
	"convocatorias/internal/search"
	"convocatorias/internal/syncqueue"
	"convocatorias/internal/validator"
)

const (
	maxBodyBytes    = 4 << 20
	maxWebhookBytes = 1 << 20
)

type Authenticator interface {
	AuthenticateRequest(r *http.Request) (auth.Principal, error)
	ValidateScopes(principal auth.Principal, requiredScope string) error
}

// RecordStore is the persistence the handlers need.
type RecordStore interface {
	InsertConvocatoria(ctx context.Context, userID, id string, rec convocatoria.CandidateRecord) (convocatoria.Convocatoria, error)
	GetConvocatoria(ctx context.Context, userID, id string) (convocatoria.Convocatoria, error)
	ListConvocatorias(ctx context.Context, userID string) ([]convocatoria.Convocatoria, error)
	CountConvocatorias(ctx context.Context, userID string) (int, error)
}

type SearchIndex interface {
	Put(ctx context.Context, c convocatoria.Convocatoria) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, userID, query string, limit int) ([]search.Hit, error)
}

type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error
}

type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetch.Page, error)
}

// Check is a named readiness check.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Handler struct {
	Config config.Config
	Auth   Authenticator
	Plans  *plans.Service
	Store  RecordStore

	Pipeline  *parser.Pipeline
	Validator *validator.Service
	Enricher  *enrich.Service
	Fetcher   PageFetcher
	Cache     cache.Cache

	Search   SearchIndex
	Sync     *syncqueue.Queue
	Billing  WebhookProcessor
	Observer *observability.Observer
	Checks   []Check

	Now func() time.Time
}

// NewHandler builds the pipeline services on top of gw. Search, sync,
// billing and readiness checks are optional and attached by the caller.
func NewHandler(cfg config.Config, authn Authenticator, gate *plans.Service, st RecordStore, gw llm.Gateway, c cache.Cache) *Handler {
	if c == nil {
		c = cache.NewMemory()
	}
	return &Handler{
		Config:    cfg,
		Auth:      authn,
		Plans:     gate,
		Store:     st,
		Pipeline:  parser.NewPipeline(gw, cfg.LLM.MaxContentChars),
		Validator: validator.NewService(gw),
		Enricher:  enrich.NewService(gw, c, cfg.LLM.EnrichmentTTL),
		Fetcher:   fetch.New(),
		Cache:     c,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// AttachSync routes sync operations through q and keeps the search index and
// dashboard cache in step with what it applies.
func (h *Handler) AttachSync(q *syncqueue.Queue) {
	h.Sync = q
	if q != nil {
		q.OnApplied = h.afterSyncApplied
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(recovery)
	if h.Config.HTTP.RequestTimeout > 0 {
		r.Use(middleware.Timeout(h.Config.HTTP.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.Config.HTTP.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		ExposedHeaders: []string{"Retry-After", "X-Cache"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	r.Post("/v1/billing/webhook", h.handleBillingWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Group(func(r chi.Router) {
			r.Use(h.requireScope(h.Config.Auth.AIScope))
			r.Post("/v1/parse", h.handleParse)
			r.Post("/v1/validate", h.handleValidate)
			r.Post("/v1/enrich", h.handleEnrich)
		})
		r.Post("/v1/convocatorias", h.handleCreateConvocatoria)
		r.Get("/v1/convocatorias/search", h.handleSearch)
		r.Get("/v1/dashboard", h.handleDashboard)
		r.Post("/v1/sync", h.handleSync)
	})
	return r
}

type parseRequest struct {
	Content  string `json:"content"`
	FileType string `json:"fileType"`
	Source   string `json:"source"`
}

func (h *Handler) handleParse(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	empty := parser.Outcome{Candidates: []convocatoria.CandidateRecord{}, Warnings: []string{}, Errors: []string{}}

	var req parseRequest
	if err := decodeJSON(r, &req); err != nil {
		empty.Errors = append(empty.Errors, "El cuerpo de la solicitud no es JSON válido.")
		writeParseError(w, r, err, empty)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		empty.Errors = append(empty.Errors, "El contenido está vacío.")
		writeParseError(w, r, parser.ErrEmptyContent, empty)
		return
	}

	if _, err := h.Plans.AuthorizeAI(r.Context(), principal.UserID, true); err != nil {
		writeError(w, r, err)
		return
	}

	source, ok := convocatoria.ParseSourceKind(req.Source)
	if !ok {
		source = convocatoria.SourceClipboard
	}
	raw := convocatoria.RawInput{Content: req.Content, SourceKind: source, MimeHint: req.FileType}
	if source == convocatoria.SourceURL && fetch.IsURL(req.Content) && h.Fetcher != nil {
		page, err := h.Fetcher.Fetch(r.Context(), req.Content)
		if err != nil {
			empty.Errors = append(empty.Errors, "No se pudo leer la página indicada.")
			writeParseError(w, r, err, empty)
			return
		}
		raw.Content = page.Title + "\n" + page.Text + "\nFuente: " + page.URL
		raw.MimeHint = page.MimeType
	}

	outcome, err := h.Pipeline.Parse(r.Context(), raw)
	h.Observer.RecordParse(principal.UserID, len(outcome.Candidates), outcome.Confidence, outcome.Degraded, outcome.Truncated)
	if err != nil {
		if !errors.Is(err, parser.ErrEmptyContent) && !errors.Is(err, llm.ErrMalformedResponse) {
			err = fmt.Errorf("%w: %w", errLLMCallFailed, err)
		}
		writeParseError(w, r, err, outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type recordRequest struct {
	Convocatoria *convocatoria.CandidateRecord `json:"convocatoria"`
}

func decodeRecord(r *http.Request) (convocatoria.CandidateRecord, error) {
	var req recordRequest
	if err := decodeJSON(r, &req); err != nil {
		return convocatoria.CandidateRecord{}, err
	}
	if req.Convocatoria == nil {
		return convocatoria.CandidateRecord{}, &invalidRecordError{messages: []string{"Falta el campo convocatoria."}}
	}
	rec := *req.Convocatoria
	rec.Status = convocatoria.NormalizeStatus(string(rec.Status))
	return rec, nil
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	rec, err := decodeRecord(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	refine := false
	if h.Config.LLM.RefineValidation {
		tier, err := h.Plans.TierFor(r.Context(), principal.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if tier.IsPro() {
			if _, err := h.Plans.AuthorizeAI(r.Context(), principal.UserID, false); err != nil {
				writeError(w, r, err)
				return
			}
			refine = true
		}
	}
	writeJSON(w, http.StatusOK, h.Validator.Validate(r.Context(), rec, refine))
}

func (h *Handler) handleEnrich(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	rec, err := decodeRecord(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.Plans.RequirePro(r.Context(), principal.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	tier, err := h.Plans.AuthorizeAI(r.Context(), principal.UserID, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.Enricher.Enrich(r.Context(), tier, rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCreateConvocatoria(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	rec, err := decodeRecord(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if outcome := validator.Validate(rec, h.now()); !outcome.IsValid {
		writeError(w, r, &invalidRecordError{messages: outcome.Errors})
		return
	}

	tier, err := h.Plans.TierFor(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if limit := h.Plans.RecordCap(tier); limit > 0 {
		count, err := h.Store.CountConvocatorias(r.Context(), principal.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if count >= limit {
			writeError(w, r, plans.ErrQuotaExceeded)
			return
		}
	}

	saved, err := h.Store.InsertConvocatoria(r.Context(), principal.UserID, uuid.NewString(), rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.index(r.Context(), saved)
	h.invalidateDashboard(r.Context(), principal.UserID)
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, r, parser.ErrEmptyContent)
		return
	}

	if h.Search != nil {
		hits, err := h.Search.Search(r.Context(), principal.UserID, query, 20)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
			return
		}
		log.Warn().Err(err).Msg("search index unavailable, scanning store")
	}

	records, err := h.Store.ListConvocatorias(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": scanRecords(records, query, 20)})
}

// scanRecords is the substring search used when no index is reachable.
func scanRecords(records []convocatoria.Convocatoria, query string, limit int) []search.Hit {
	needle := strings.ToLower(query)
	hits := []search.Hit{}
	for _, rec := range records {
		haystack := strings.ToLower(strings.Join([]string{rec.Name, rec.Organization, rec.Description, rec.Area}, " "))
		if !strings.Contains(haystack, needle) {
			continue
		}
		hits = append(hits, search.Hit{Document: search.DocumentFor(rec)})
		if len(hits) >= limit {
			break
		}
	}
	return hits
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	key := cache.DashboardKey(principal.UserID)
	if h.Cache != nil {
		if data, err := h.Cache.Get(r.Context(), key); err == nil {
			var stats dashboard.Stats
			if json.Unmarshal(data, &stats) == nil {
				w.Header().Set("X-Cache", "HIT")
				writeJSON(w, http.StatusOK, stats)
				return
			}
		}
	}

	tier, err := h.Plans.TierFor(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	records, err := h.Store.ListConvocatorias(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats := dashboard.Aggregate(records, tier, h.now(), h.Config.Plans.FreeRecordCap)
	if h.Cache != nil {
		if err := h.Cache.Set(r.Context(), key, stats, cache.DashboardTTL); err != nil {
			log.Warn().Err(err).Str("user_id", principal.UserID).Msg("dashboard cache write failed")
		}
	}
	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, stats)
}

type syncRequest struct {
	Operations []convocatoria.Operation `json:"operations"`
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if h.Sync == nil {
		writeError(w, r, errors.New("sync queue not configured"))
		return
	}
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Sync.Enqueue(r.Context(), principal.UserID, req.Operations...); err != nil {
		var opErr *syncqueue.InvalidOperationError
		if errors.As(err, &opErr) {
			writeError(w, r, &invalidRecordError{messages: []string{opErr.Error()}})
			return
		}
		writeError(w, r, err)
		return
	}

	tier, err := h.Plans.TierFor(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	results, err := h.Sync.Flush(r.Context(), principal.UserID, h.Plans.RecordCap(tier))
	if err != nil {
		writeError(w, r, err)
		return
	}
	pending, err := h.Sync.Pending(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "pending": pending})
}

func (h *Handler) afterSyncApplied(ctx context.Context, userID string, op convocatoria.Operation, convocatoriaID string) {
	h.invalidateDashboard(ctx, userID)
	if h.Search == nil {
		return
	}
	if op.Kind == convocatoria.OpDelete {
		if err := h.Search.Delete(ctx, convocatoriaID); err != nil {
			log.Warn().Err(err).Str("convocatoria_id", convocatoriaID).Msg("search delete failed")
		}
		return
	}
	saved, err := h.Store.GetConvocatoria(ctx, userID, convocatoriaID)
	if err != nil {
		log.Warn().Err(err).Str("convocatoria_id", convocatoriaID).Msg("reload for indexing failed")
		return
	}
	h.index(ctx, saved)
}

func (h *Handler) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Billing == nil {
		writeError(w, r, errors.New("billing not configured"))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, r, errInvalidJSON)
		return
	}
	if err := h.Billing.ProcessWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": h.now().Format(time.RFC3339)})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}
	for _, check := range h.Checks {
		if err := check.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[check.Name] = err.Error()
			continue
		}
		checks[check.Name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (h *Handler) index(ctx context.Context, c convocatoria.Convocatoria) {
	if h.Search == nil {
		return
	}
	if err := h.Search.Put(ctx, c); err != nil {
		log.Warn().Err(err).Str("convocatoria_id", c.ID).Msg("search indexing failed")
	}
}

func (h *Handler) invalidateDashboard(ctx context.Context, userID string) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Del(ctx, cache.DashboardKey(userID)); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("dashboard cache invalidation failed")
	}
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now()
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
