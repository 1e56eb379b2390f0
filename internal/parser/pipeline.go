package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"convocatorias/internal/convocatoria"
	"convocatorias/internal/llm"
)

// Outcome is the result of one pipeline invocation. It is always populated,
// including when Parse also returns an error.
type Outcome struct {
	Success    bool                           `json:"success"`
	Candidates []convocatoria.CandidateRecord `json:"candidates"`
	Confidence int                            `json:"confidence"`
	Warnings   []string                       `json:"warnings"`
	Errors     []string                       `json:"errors"`
	Degraded   bool                           `json:"degraded"`
	Truncated  bool                           `json:"truncated"`
}

type Pipeline struct {
	Gateway  llm.Gateway
	MaxChars int
}

func NewPipeline(gw llm.Gateway, maxChars int) *Pipeline {
	return &Pipeline{Gateway: gw, MaxChars: maxChars}
}

// Parse runs normalize, one gateway call and extraction. The returned error
// is ErrEmptyContent, or the gateway failure; shape problems in the gateway
// output never produce an error.
func (p *Pipeline) Parse(ctx context.Context, raw convocatoria.RawInput) (Outcome, error) {
	out := Outcome{Candidates: []convocatoria.CandidateRecord{}, Warnings: []string{}, Errors: []string{}}

	prompt, err := Normalize(raw, p.MaxChars)
	if err != nil {
		out.Errors = append(out.Errors, "El contenido está vacío.")
		return out, err
	}
	out.Truncated = prompt.Truncated
	if prompt.Truncated {
		out.Warnings = append(out.Warnings, fmt.Sprintf("El contenido se recortó a %d de %d caracteres.", p.maxChars(), prompt.OriginalChars))
	}

	if p.Gateway == nil {
		out.Errors = append(out.Errors, "No hay un proveedor de IA configurado.")
		return out, errors.New("parser: gateway not configured")
	}

	started := time.Now()
	text, err := p.Gateway.Complete(ctx, llm.Request{
		Task:        llm.TaskExtract,
		System:      prompt.System,
		User:        prompt.User,
		Temperature: 0.1,
		MaxTokens:   2000,
	})
	if err != nil {
		log.Warn().Err(err).Str("provider", p.Gateway.Name()).Dur("elapsed", time.Since(started)).Msg("extraction call failed")
		out.Errors = append(out.Errors, "El servicio de IA no respondió correctamente.")
		return out, fmt.Errorf("extract completion: %w", err)
	}

	extraction := Extract(text, prompt.Context)
	out.Success = true
	out.Candidates = extraction.Candidates
	out.Confidence = extraction.Confidence
	out.Degraded = extraction.Degraded()
	if extraction.Degraded() {
		out.Warnings = append(out.Warnings,
			"No se pudo interpretar la respuesta de la IA; se generó un registro provisional.",
			"Motivo: "+reasonSummary(extraction.Reason)+".")
		log.Info().Str("provider", p.Gateway.Name()).Str("reason", extraction.Reason).Msg("extraction degraded")
	} else if len(extraction.Candidates) == 0 {
		out.Warnings = append(out.Warnings, "No se encontraron convocatorias en el contenido.")
	}

	log.Debug().
		Str("provider", p.Gateway.Name()).
		Str("model", p.Gateway.Model()).
		Str("kind", extraction.Kind.String()).
		Int("candidates", len(out.Candidates)).
		Int("confidence", out.Confidence).
		Bool("truncated", out.Truncated).
		Dur("elapsed", time.Since(started)).
		Msg("extraction complete")
	return out, nil
}

// reasonSummary keeps the category of a degraded extraction and drops the
// decoder detail, which stays in the logs.
func reasonSummary(reason string) string {
	summary, _, _ := strings.Cut(reason, ":")
	return strings.TrimSpace(summary)
}

func (p *Pipeline) maxChars() int {
	if p.MaxChars <= 0 {
		return DefaultMaxChars
	}
	return p.MaxChars
}
