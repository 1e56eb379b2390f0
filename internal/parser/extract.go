package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"convocatorias/internal/convocatoria"
)

// Kind tags an Extraction as real data or a synthetic placeholder.
type Kind int

const (
	KindOK Kind = iota
	KindDegraded
)

func (k Kind) String() string {
	if k == KindDegraded {
		return "degraded"
	}
	return "ok"
}

const (
	defaultConfidence  = 50
	fallbackConfidence = 10
)

type Extraction struct {
	Kind       Kind
	Candidates []convocatoria.CandidateRecord
	Confidence int
	// Reason explains a degraded extraction.
	Reason string
}

func (e Extraction) Degraded() bool { return e.Kind == KindDegraded }

var (
	objectPattern = regexp.MustCompile(`(?s)\{.*\}`)

	errNoJSON = errors.New("no json object found")

	extractionSchema = jsonschema.MustCompileString("extraction.json", `{
		"type": "object",
		"required": ["convocatorias"],
		"properties": {
			"convocatorias": {"type": "array", "items": {"type": "object"}},
			"confidence": {"type": "number"}
		}
	}`)
)

// DecodeLLMObject parses text as a JSON object, falling back to the span from
// the first '{' to the last '}' when the whole text is not JSON.
func DecodeLLMObject(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj, nil
	}
	match := objectPattern.FindString(trimmed)
	if match == "" {
		return nil, errNoJSON
	}
	if err := json.Unmarshal([]byte(match), &obj); err != nil {
		return nil, fmt.Errorf("embedded json: %w", err)
	}
	return obj, nil
}

// Extract locates the convocatorias payload in free-form gateway output. It
// never fails: unusable output becomes a single low-confidence fallback
// record labelled with context.
func Extract(text string, context string) Extraction {
	obj, err := DecodeLLMObject(text)
	if err != nil {
		return fallback(context, "respuesta sin JSON válido: "+err.Error())
	}
	if err := extractionSchema.Validate(obj); err != nil {
		return fallback(context, "respuesta JSON sin la forma esperada: "+err.Error())
	}

	items, _ := obj["convocatorias"].([]any)
	candidates := make([]convocatoria.CandidateRecord, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			continue
		}
		candidates = append(candidates, recordFromMap(fields))
	}

	confidence := defaultConfidence
	if raw, ok := obj["confidence"].(float64); ok {
		confidence = ClampScore(raw)
	}
	return Extraction{Kind: KindOK, Candidates: candidates, Confidence: confidence}
}

func fallback(context, reason string) Extraction {
	name := strings.TrimSpace(context)
	if name == "" {
		name = "Convocatoria sin título"
	}
	return Extraction{
		Kind: KindDegraded,
		Candidates: []convocatoria.CandidateRecord{{
			Name:        name,
			Description: "No se pudo extraer información estructurada; revisa y completa los datos manualmente.",
		}},
		Confidence: fallbackConfidence,
		Reason:     reason,
	}
}

// ClampScore rounds v and clamps it to [0,100].
func ClampScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

func recordFromMap(m map[string]any) convocatoria.CandidateRecord {
	return convocatoria.CandidateRecord{
		Name:          stringField(m["nombre_concurso"]),
		Organization:  stringField(m["institucion"]),
		ClosingDate:   stringField(m["fecha_cierre"]),
		OpeningDate:   stringField(m["fecha_apertura"]),
		ResultsDate:   stringField(m["fecha_resultados"]),
		FundingAmount: stringField(m["monto_financiamiento"]),
		Requirements:  stringField(m["requisitos"]),
		Status:        convocatoria.Status(stringField(m["estado"])),
		Description:   stringField(m["descripcion"]),
		Contact:       stringField(m["contacto"]),
		Website:       stringField(m["sitio_web"]),
		Area:          stringField(m["area"]),
		FundType:      stringField(m["tipo_fondo"]),
		SourceURL:     stringField(m["fuente_url"]),
	}
}

func stringField(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case []any:
		parts := make([]string, 0, len(value))
		for _, item := range value {
			if s := stringField(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		out, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(out)
	}
}
