package validator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"convocatorias/internal/convocatoria"
	"convocatorias/internal/llm"
	"convocatorias/internal/parser"
)

const refineInstruction = `Evalúa la calidad de una convocatoria de financiamiento chilena.
Responde SOLO con JSON: {"score":0-100,"suggestions":["..."],"improvements":[{"field":"...","suggestedValue":"...","reason":"..."}]}
Las sugerencias deben estar en español y ser breves.`

// Service combines the local rules with an optional gateway review.
type Service struct {
	Gateway llm.Gateway
	Now     func() time.Time
}

func NewService(gw llm.Gateway) *Service {
	return &Service{Gateway: gw, Now: func() time.Time { return time.Now().UTC() }}
}

// Validate scores c locally and, when refine is set and the record is valid,
// averages in the gateway's score. Any gateway problem leaves the local
// outcome unchanged apart from a warning.
func (s *Service) Validate(ctx context.Context, c convocatoria.CandidateRecord, refine bool) Outcome {
	out := Validate(c, s.Now())
	if !refine || !out.IsValid || s.Gateway == nil {
		return out
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return out
	}
	text, err := s.Gateway.Complete(ctx, llm.Request{
		Task:        llm.TaskValidate,
		System:      refineInstruction,
		User:        string(payload),
		Temperature: 0.2,
		MaxTokens:   800,
	})
	if err != nil {
		log.Warn().Err(err).Msg("validation refinement failed")
		out.Warnings = append(out.Warnings, "No se pudo obtener la revisión de IA; se usa la puntuación local.")
		return out
	}

	review, err := decodeReview(text)
	if err != nil {
		log.Info().Err(err).Msg("validation refinement unparsable")
		out.Warnings = append(out.Warnings, "No se pudo obtener la revisión de IA; se usa la puntuación local.")
		return out
	}

	out.Score = int(math.Round(float64(out.Score+review.score) / 2))
	out.Suggestions = append(out.Suggestions, review.suggestions...)
	out.Improvements = append(out.Improvements, review.improvements...)
	out.AIAssisted = true
	return out
}

type review struct {
	score        int
	suggestions  []string
	improvements []Improvement
}

func decodeReview(text string) (review, error) {
	obj, err := parser.DecodeLLMObject(text)
	if err != nil {
		return review{}, err
	}
	rawScore, ok := obj["score"].(float64)
	if !ok {
		return review{}, errors.New("review missing numeric score")
	}
	r := review{score: parser.ClampScore(rawScore)}
	if items, ok := obj["suggestions"].([]any); ok {
		for _, item := range items {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				r.suggestions = append(r.suggestions, strings.TrimSpace(s))
			}
		}
	}
	if items, ok := obj["improvements"].([]any); ok {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			imp := Improvement{
				Field:          asString(m["field"]),
				SuggestedValue: asString(m["suggestedValue"]),
				Reason:         asString(m["reason"]),
			}
			if imp.Field != "" {
				r.improvements = append(r.improvements, imp)
			}
		}
	}
	return r, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
