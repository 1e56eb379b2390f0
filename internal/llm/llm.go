package llm

import (
	"context"
	"errors"
	"fmt"
)

// Task names the pipeline step issuing a completion. Providers ignore it;
// stubs and logs use it.
type Task string

const (
	TaskExtract  Task = "extract"
	TaskValidate Task = "validate"
	TaskEnrich   Task = "enrich"
)

type Request struct {
	Task        Task
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Gateway is a hosted completion API. It returns free-form text that is
// expected, but not guaranteed, to contain JSON.
type Gateway interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
	Model() string
}

// ErrMalformedResponse means the provider answered 2xx but its envelope held
// no usable completion.
var ErrMalformedResponse = errors.New("llm response malformed")

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("llm: %s returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("llm: %s returned status %d: %s", e.Provider, e.StatusCode, truncate(e.Body, 200))
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
