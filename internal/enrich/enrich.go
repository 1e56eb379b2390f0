// Package enrich adds a description, a dated timeline and a risk estimate to
// a candidate record. It is a Pro-only feature.
package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"convocatorias/internal/cache"
	"convocatorias/internal/convocatoria"
	"convocatorias/internal/llm"
	"convocatorias/internal/parser"
	"convocatorias/internal/plans"
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

const enrichInstruction = `Enriquece una convocatoria de financiamiento chilena.
Responde SOLO con JSON:
{"descripcion":"resumen en 2-3 oraciones","cronograma":[{"fecha":"YYYY-MM-DD","hito":"..."}],"riesgo":{"nivel":"low|medium|high","motivo":"..."}}
El riesgo mide la dificultad de postular a tiempo. No inventes fechas que no estén en el texto.`

type Milestone struct {
	Date  string `json:"fecha"`
	Label string `json:"hito"`
}

type Risk struct {
	Level  string `json:"nivel"`
	Reason string `json:"motivo"`
}

type Result struct {
	Description string      `json:"descripcion"`
	Timeline    []Milestone `json:"cronograma"`
	Risk        Risk        `json:"riesgo"`
	Degraded    bool        `json:"degraded"`
	Cached      bool        `json:"cached"`
}

type Service struct {
	Gateway llm.Gateway
	Cache   cache.Cache
	TTL     time.Duration
	Now     func() time.Time
}

func NewService(gw llm.Gateway, c cache.Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = cache.EnrichmentTTL
	}
	return &Service{
		Gateway: gw,
		Cache:   c,
		TTL:     ttl,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enrich returns plans.ErrUpgradeRequired for free callers before any other
// work. Gateway and decoding failures produce a degraded result built from
// the record itself and are never returned as errors.
func (s *Service) Enrich(ctx context.Context, tier plans.Tier, c convocatoria.CandidateRecord) (Result, error) {
	if !tier.IsPro() {
		return Result{}, plans.ErrUpgradeRequired
	}

	key := cache.EnrichmentKey(CandidateHash(c))
	if s.Cache != nil {
		if data, err := s.Cache.Get(ctx, key); err == nil {
			var cached Result
			if err := json.Unmarshal(data, &cached); err == nil {
				cached.Cached = true
				return cached, nil
			}
		} else if !errors.Is(err, cache.ErrKeyNotFound) {
			log.Warn().Err(err).Msg("enrichment cache read failed")
		}
	}

	if s.Gateway == nil {
		return s.fallback(c), nil
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return s.fallback(c), nil
	}
	text, err := s.Gateway.Complete(ctx, llm.Request{
		Task:        llm.TaskEnrich,
		System:      enrichInstruction,
		User:        string(payload),
		Temperature: 0.3,
		MaxTokens:   1200,
	})
	if err != nil {
		log.Warn().Err(err).Str("provider", s.Gateway.Name()).Msg("enrichment call failed")
		return s.fallback(c), nil
	}
	obj, err := parser.DecodeLLMObject(text)
	if err != nil {
		log.Info().Err(err).Msg("enrichment output unparsable")
		return s.fallback(c), nil
	}

	res := fromObject(obj, c)
	if s.Cache != nil {
		if err := s.Cache.Set(ctx, key, res, s.TTL); err != nil {
			log.Warn().Err(err).Msg("enrichment cache write failed")
		}
	}
	return res, nil
}

// CandidateHash is a stable content hash of a record.
func CandidateHash(c convocatoria.CandidateRecord) string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

func fromObject(obj map[string]any, c convocatoria.CandidateRecord) Result {
	res := Result{Description: strings.TrimSpace(asString(obj["descripcion"]))}
	if res.Description == "" {
		res.Description = defaultDescription(c)
	}

	var timeline []Milestone
	if items, ok := obj["cronograma"].([]any); ok {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			timeline = append(timeline, Milestone{Date: asString(m["fecha"]), Label: asString(m["hito"])})
		}
	}
	res.Timeline = NormalizeTimeline(timeline, c)

	if risk, ok := obj["riesgo"].(map[string]any); ok {
		res.Risk = Risk{Level: NormalizeRiskLevel(asString(risk["nivel"])), Reason: asString(risk["motivo"])}
	} else {
		res.Risk = Risk{Level: RiskMedium}
	}
	return res
}

// NormalizeTimeline drops undated entries, force-inserts the record's own
// dates, keeps the first entry per date and sorts ascending.
func NormalizeTimeline(items []Milestone, c convocatoria.CandidateRecord) []Milestone {
	known := []Milestone{
		{Date: c.OpeningDate, Label: "Apertura de postulaciones"},
		{Date: c.ClosingDate, Label: "Cierre de postulaciones"},
		{Date: c.ResultsDate, Label: "Publicación de resultados"},
	}

	seen := make(map[string]bool)
	out := make([]Milestone, 0, len(items)+len(known))
	add := func(m Milestone) {
		m.Date = strings.TrimSpace(m.Date)
		if !convocatoria.IsISODate(m.Date) || seen[m.Date] {
			return
		}
		seen[m.Date] = true
		m.Label = strings.TrimSpace(m.Label)
		out = append(out, m)
	}
	for _, m := range items {
		add(m)
	}
	for _, m := range known {
		add(m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func NormalizeRiskLevel(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low", "bajo", "baja":
		return RiskLow
	case "high", "alto", "alta":
		return RiskHigh
	default:
		return RiskMedium
	}
}

func (s *Service) fallback(c convocatoria.CandidateRecord) Result {
	res := Result{
		Description: defaultDescription(c),
		Timeline:    NormalizeTimeline(nil, c),
		Degraded:    true,
	}
	res.Risk = deadlineRisk(c, s.now())
	return res
}

func deadlineRisk(c convocatoria.CandidateRecord, now time.Time) Risk {
	closing, ok := convocatoria.ParseDate(c.ClosingDate)
	if !ok {
		return Risk{Level: RiskMedium, Reason: "Sin fecha de cierre válida."}
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := int(closing.Sub(today).Hours() / 24)
	switch {
	case days < 0:
		return Risk{Level: RiskHigh, Reason: "El plazo de postulación ya venció."}
	case days <= 7:
		return Risk{Level: RiskHigh, Reason: fmt.Sprintf("Quedan %d días para el cierre.", days)}
	case days <= 30:
		return Risk{Level: RiskMedium, Reason: fmt.Sprintf("Quedan %d días para el cierre.", days)}
	default:
		return Risk{Level: RiskLow, Reason: fmt.Sprintf("Quedan %d días para el cierre.", days)}
	}
}

func defaultDescription(c convocatoria.CandidateRecord) string {
	if d := strings.TrimSpace(c.Description); d != "" {
		return d
	}
	name := strings.TrimSpace(c.Name)
	org := strings.TrimSpace(c.Organization)
	switch {
	case name != "" && org != "":
		return fmt.Sprintf("%s, convocatoria de %s.", name, org)
	case name != "":
		return name + "."
	default:
		return "Convocatoria sin descripción."
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
