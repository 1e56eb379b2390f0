package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

var (
	isoDatePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	knownAgencies  = []string{"CORFO", "ANID", "SERCOTEC", "FOSIS", "INDAP", "FONDART", "MINCAP", "GORE", "CNTV", "FIA"}
)

// Noop is a deterministic keyword-based gateway for local development and
// tests. It never leaves the process.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Name() string  { return "noop" }
func (n *Noop) Model() string { return "noop" }

func (n *Noop) Complete(_ context.Context, req Request) (string, error) {
	switch req.Task {
	case TaskValidate:
		return `{"score":70,"suggestions":[],"improvements":[]}`, nil
	case TaskEnrich:
		return `{"descripcion":"","cronograma":[],"riesgo":{"nivel":"medium","motivo":"estimación local"}}`, nil
	default:
		return n.extract(req.User)
	}
}

func (n *Noop) extract(text string) (string, error) {
	body := text
	if idx := strings.Index(body, "CONTENIDO:"); idx >= 0 {
		body = body[idx+len("CONTENIDO:"):]
	}
	body = strings.TrimSpace(body)

	record := map[string]string{
		"nombre_concurso": truncate(firstLine(body), 120),
	}
	upper := strings.ToUpper(body)
	for _, agency := range knownAgencies {
		if strings.Contains(upper, agency) {
			record["institucion"] = agency
			break
		}
	}
	if date := isoDatePattern.FindString(body); date != "" {
		record["fecha_cierre"] = date
	}

	out, err := json.Marshal(map[string]any{
		"convocatorias": []map[string]string{record},
		"confidence":    30,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func firstLine(text string) string {
	if idx := strings.IndexAny(text, "\n."); idx > 0 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}
