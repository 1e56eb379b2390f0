package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"convocatorias/internal/auth"
	"convocatorias/internal/billing"
	"convocatorias/internal/fetch"
	"convocatorias/internal/llm"
	"convocatorias/internal/parser"
	"convocatorias/internal/plans"
	"convocatorias/internal/store"
)

const (
	CodeEmptyContent        = "empty_content"
	CodeInvalidJSON         = "invalid_json"
	CodeInvalidRecord       = "invalid_record"
	CodeInvalidSource       = "invalid_source"
	CodeInvalidSignature    = "invalid_signature"
	CodeUnauthorized        = "unauthorized"
	CodeInsufficientScope   = "insufficient_scope"
	CodeUpgradeRequired     = "upgrade_required"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeRateLimited         = "rate_limited"
	CodeLLMCallFailed       = "llm_call_failed"
	CodeLLMOutputUnparsable = "llm_output_unparsable"
	CodeInternal            = "internal_error"
)

var (
	errInvalidJSON   = errors.New("invalid json")
	errLLMCallFailed = errors.New("llm call failed")
)

// invalidRecordError carries the validator's messages for a rejected record.
type invalidRecordError struct {
	messages []string
}

func (e *invalidRecordError) Error() string {
	if len(e.messages) == 0 {
		return "invalid record"
	}
	return e.messages[0]
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error           apiError `json:"error"`
	UpgradeRequired bool     `json:"upgrade_required,omitempty"`
	Details         []string `json:"details,omitempty"`
}

type classified struct {
	status     int
	body       errorBody
	retryAfter int
}

// classify is the single place errors become HTTP statuses.
func classify(err error) classified {
	var rateErr *plans.RateLimitError
	var recordErr *invalidRecordError
	var statusErr *llm.StatusError

	switch {
	case errors.Is(err, parser.ErrEmptyContent):
		return newClassified(http.StatusBadRequest, CodeEmptyContent, "El contenido está vacío.")
	case errors.Is(err, errInvalidJSON):
		return newClassified(http.StatusBadRequest, CodeInvalidJSON, "El cuerpo de la solicitud no es JSON válido.")
	case errors.As(err, &recordErr):
		c := newClassified(http.StatusBadRequest, CodeInvalidRecord, "La convocatoria no es válida.")
		c.body.Details = recordErr.messages
		return c
	case errors.Is(err, fetch.ErrNotURL), errors.Is(err, fetch.ErrBadStatus), errors.Is(err, fetch.ErrEmptyPage), errors.Is(err, fetch.ErrFetch):
		return newClassified(http.StatusBadRequest, CodeInvalidSource, "No se pudo leer la página indicada.")
	case errors.Is(err, billing.ErrInvalidSignature):
		return newClassified(http.StatusBadRequest, CodeInvalidSignature, "Firma inválida.")
	case errors.Is(err, auth.ErrUnauthorized):
		return newClassified(http.StatusUnauthorized, CodeUnauthorized, "Se requiere autenticación.")
	case errors.Is(err, auth.ErrForbidden):
		return newClassified(http.StatusForbidden, CodeInsufficientScope, "El token no tiene permiso para usar las funciones de IA.")
	case errors.Is(err, plans.ErrUpgradeRequired):
		c := newClassified(http.StatusForbidden, CodeUpgradeRequired, "Esta función requiere el plan Pro.")
		c.body.UpgradeRequired = true
		return c
	case errors.Is(err, plans.ErrQuotaExceeded), errors.Is(err, store.ErrRecordCapReached):
		c := newClassified(http.StatusForbidden, CodeQuotaExceeded, "Alcanzaste el límite del plan gratuito.")
		c.body.UpgradeRequired = true
		return c
	case errors.As(err, &rateErr):
		c := newClassified(http.StatusTooManyRequests, CodeRateLimited, "Demasiadas solicitudes, intenta más tarde.")
		c.retryAfter = rateErr.RetryAfterSeconds
		return c
	case errors.Is(err, llm.ErrMalformedResponse):
		return newClassified(http.StatusInternalServerError, CodeLLMOutputUnparsable, "La respuesta del servicio de IA no se pudo interpretar.")
	case errors.Is(err, errLLMCallFailed), errors.As(err, &statusErr):
		return newClassified(http.StatusInternalServerError, CodeLLMCallFailed, "El servicio de IA no respondió correctamente.")
	default:
		return newClassified(http.StatusInternalServerError, CodeInternal, "Error interno del servidor.")
	}
}

func newClassified(status int, code, message string) classified {
	return classified{status: status, body: errorBody{Error: apiError{Code: code, Message: message}}}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	c := classify(err)
	logFailure(r, c, err)
	if c.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(c.retryAfter))
	}
	writeJSON(w, c.status, c.body)
}

// writeParseError answers a failed pipeline run with the error envelope and
// the outcome fields side by side.
func writeParseError(w http.ResponseWriter, r *http.Request, err error, outcome parser.Outcome) {
	c := classify(err)
	logFailure(r, c, err)
	if c.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(c.retryAfter))
	}
	writeJSON(w, c.status, struct {
		errorBody
		parser.Outcome
	}{c.body, outcome})
}

func logFailure(r *http.Request, c classified, err error) {
	event := log.Info()
	if c.status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("code", c.body.Error.Code).
		Int("status", c.status).
		Msg("request rejected")
}
