package parser

import (
	"errors"
	"fmt"
	"strings"

	"convocatorias/internal/convocatoria"
)

// DefaultMaxChars bounds the content sent to the gateway.
const DefaultMaxChars = 8000

const contextChars = 100

var ErrEmptyContent = errors.New("content is empty")

// Prompt is the bounded request derived from one RawInput.
type Prompt struct {
	System        string
	User          string
	Truncated     bool
	OriginalChars int
	// Context is a short excerpt of the input, used to label fallback records.
	Context string
}

const extractionInstruction = `Eres un asistente que extrae convocatorias de financiamiento (fondos, concursos, subsidios) publicadas en Chile.
Responde SOLO con un objeto JSON con esta forma exacta:
{"convocatorias":[{...}],"confidence":0-100}

Campos obligatorios de cada convocatoria:
- "nombre_concurso": nombre del fondo o concurso
- "institucion": organismo que lo convoca (por ejemplo CORFO, ANID, SERCOTEC)
- "fecha_cierre": fecha de cierre en formato YYYY-MM-DD

Campos opcionales:
- "fecha_apertura", "fecha_resultados" (YYYY-MM-DD)
- "monto_financiamiento", "requisitos", "descripcion", "contacto", "sitio_web", "area", "tipo_fondo", "fuente_url"
- "estado": uno de "abierto", "cerrado", "en_evaluacion", "finalizado"

Si un dato no aparece en el texto, omite el campo. No inventes fechas.`

// Normalize turns raw input into a bounded prompt. Content longer than
// maxChars runes is cut and the cut is reported through Prompt.Truncated.
func Normalize(raw convocatoria.RawInput, maxChars int) (Prompt, error) {
	content := strings.TrimSpace(raw.Content)
	if content == "" {
		return Prompt{}, ErrEmptyContent
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	runes := []rune(content)
	prompt := Prompt{
		System:        extractionInstruction,
		OriginalChars: len(runes),
		Context:       excerpt(runes, contextChars),
	}
	if len(runes) > maxChars {
		runes = runes[:maxChars]
		prompt.Truncated = true
	}

	source := raw.SourceKind
	if source == "" {
		source = convocatoria.SourceClipboard
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "FUENTE: %s\n", source)
	if hint := strings.TrimSpace(raw.MimeHint); hint != "" {
		fmt.Fprintf(&sb, "TIPO: %s\n", hint)
	}
	sb.WriteString("CONTENIDO:\n")
	sb.WriteString(string(runes))
	prompt.User = sb.String()
	return prompt, nil
}

func excerpt(runes []rune, limit int) string {
	if len(runes) <= limit {
		return strings.TrimSpace(string(runes))
	}
	return strings.TrimSpace(string(runes[:limit]))
}
