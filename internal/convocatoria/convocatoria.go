// Package convocatoria holds the domain types shared by the parsing pipeline,
// the validator, the dashboard and the persistence layer.
package convocatoria

import (
	"regexp"
	"strings"
	"time"
)

// DateLayout is the only accepted date format for record dates.
const DateLayout = "2006-01-02"

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

type SourceKind string

const (
	SourceFile      SourceKind = "file"
	SourceClipboard SourceKind = "clipboard"
	SourceURL       SourceKind = "url"
)

func ParseSourceKind(raw string) (SourceKind, bool) {
	switch SourceKind(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceFile:
		return SourceFile, true
	case SourceClipboard, "paste", "text":
		return SourceClipboard, true
	case SourceURL:
		return SourceURL, true
	default:
		return "", false
	}
}

// RawInput is the unprocessed content of a single user action.
type RawInput struct {
	Content    string
	SourceKind SourceKind
	MimeHint   string
}

type Status string

const (
	StatusOpen        Status = "abierto"
	StatusClosed      Status = "cerrado"
	StatusUnderReview Status = "en_evaluacion"
	StatusFinished    Status = "finalizado"
)

// NormalizeStatus maps Spanish and English spellings onto the canonical
// status values. Unknown values map to the empty status.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "abierto", "abierta", "open":
		return StatusOpen
	case "cerrado", "cerrada", "closed":
		return StatusClosed
	case "en_evaluacion", "en evaluacion", "en evaluación", "under_review":
		return StatusUnderReview
	case "finalizado", "finalizada", "finished":
		return StatusFinished
	default:
		return ""
	}
}

// CandidateRecord is an LLM-extracted guess at a convocatoria. JSON keys
// follow the Spanish names the extraction prompt asks for.
type CandidateRecord struct {
	Name          string `json:"nombre_concurso"`
	Organization  string `json:"institucion"`
	ClosingDate   string `json:"fecha_cierre"`
	OpeningDate   string `json:"fecha_apertura,omitempty"`
	ResultsDate   string `json:"fecha_resultados,omitempty"`
	FundingAmount string `json:"monto_financiamiento,omitempty"`
	Requirements  string `json:"requisitos,omitempty"`
	Status        Status `json:"estado,omitempty"`
	Description   string `json:"descripcion,omitempty"`
	Contact       string `json:"contacto,omitempty"`
	Website       string `json:"sitio_web,omitempty"`
	Area          string `json:"area,omitempty"`
	FundType      string `json:"tipo_fondo,omitempty"`
	SourceURL     string `json:"fuente_url,omitempty"`
}

// IsValid reports whether the three required fields are present and the
// closing date is well formed.
func (c CandidateRecord) IsValid() bool {
	return strings.TrimSpace(c.Name) != "" &&
		strings.TrimSpace(c.Organization) != "" &&
		IsISODate(c.ClosingDate)
}

// IsISODate reports whether s is a real calendar date in YYYY-MM-DD form.
func IsISODate(s string) bool {
	s = strings.TrimSpace(s)
	if !datePattern.MatchString(s) {
		return false
	}
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, bool) {
	if !IsISODate(s) {
		return time.Time{}, false
	}
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Convocatoria is a persisted, validated record owned by one user.
type Convocatoria struct {
	CandidateRecord
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
