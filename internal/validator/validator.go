package validator

import (
	"strings"
	"time"

	"convocatorias/internal/convocatoria"
)

const (
	requiredFieldPoints = 25
	optionalFieldPoints = 5
	maxOptionalPoints   = 30
	invalidScoreCap     = 30
)

type Improvement struct {
	Field          string `json:"field"`
	SuggestedValue string `json:"suggestedValue"`
	Reason         string `json:"reason"`
}

type Outcome struct {
	IsValid      bool          `json:"isValid"`
	Score        int           `json:"score"`
	Errors       []string      `json:"errors"`
	Warnings     []string      `json:"warnings"`
	Suggestions  []string      `json:"suggestions"`
	Improvements []Improvement `json:"improvements"`
	AIAssisted   bool          `json:"aiAssisted"`
}

// Validate scores a candidate against the required-field contract. Required
// field failures cap the score regardless of optional fields.
func Validate(c convocatoria.CandidateRecord, now time.Time) Outcome {
	out := Outcome{
		Errors:       []string{},
		Warnings:     []string{},
		Suggestions:  []string{},
		Improvements: []Improvement{},
	}
	valid := true
	score := 0

	if name := strings.TrimSpace(c.Name); len([]rune(name)) >= 3 {
		score += requiredFieldPoints
	} else {
		valid = false
		out.Errors = append(out.Errors, "El nombre del concurso es obligatorio (mínimo 3 caracteres).")
	}

	if org := strings.TrimSpace(c.Organization); len([]rune(org)) >= 2 {
		score += requiredFieldPoints
	} else {
		valid = false
		out.Errors = append(out.Errors, "La institución es obligatoria (mínimo 2 caracteres).")
	}

	switch {
	case strings.TrimSpace(c.ClosingDate) == "":
		valid = false
		out.Errors = append(out.Errors, "La fecha de cierre es obligatoria.")
	case !convocatoria.IsISODate(c.ClosingDate):
		valid = false
		out.Errors = append(out.Errors, "La fecha de cierre debe tener el formato YYYY-MM-DD.")
	default:
		score += requiredFieldPoints
		closing, _ := convocatoria.ParseDate(c.ClosingDate)
		if closing.Before(startOfDay(now)) {
			out.Warnings = append(out.Warnings, "La fecha de cierre ya pasó.")
		}
	}

	optional := 0
	addOptional := func(present bool, missingHint string) {
		if present {
			optional += optionalFieldPoints
			return
		}
		out.Suggestions = append(out.Suggestions, missingHint)
	}
	addOptional(len([]rune(strings.TrimSpace(c.Description))) > 10, "Agrega una descripción del fondo.")
	addOptional(strings.TrimSpace(c.FundingAmount) != "", "Indica el monto de financiamiento.")
	addOptional(len([]rune(strings.TrimSpace(c.Requirements))) > 10, "Detalla los requisitos de postulación.")
	addOptional(strings.TrimSpace(c.Contact) != "", "Agrega un contacto.")
	addOptional(strings.TrimSpace(c.Website) != "", "Agrega el sitio web oficial.")
	addOptional(strings.TrimSpace(c.Area) != "", "Indica el área temática.")
	if optional > maxOptionalPoints {
		optional = maxOptionalPoints
	}
	score += optional

	for _, field := range []struct {
		name  string
		value string
	}{{"fecha_apertura", c.OpeningDate}, {"fecha_resultados", c.ResultsDate}} {
		if v := strings.TrimSpace(field.value); v != "" && !convocatoria.IsISODate(v) {
			out.Warnings = append(out.Warnings, "El campo "+field.name+" no tiene el formato YYYY-MM-DD.")
		}
	}

	if score > 100 {
		score = 100
	}
	if !valid && score > invalidScoreCap {
		score = invalidScoreCap
	}
	out.IsValid = valid
	out.Score = score
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
