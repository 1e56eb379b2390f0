// Package llmtest provides a scripted llm.Gateway for tests.
package llmtest

import (
	"context"
	"sync"

	"convocatorias/internal/llm"
)

// Stub answers every completion with Response or Err and records the
// requests it received.
type Stub struct {
	Response string
	Err      error
	// ByTask overrides Response for a specific task.
	ByTask map[llm.Task]string

	mu       sync.Mutex
	requests []llm.Request
}

func (s *Stub) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	if out, ok := s.ByTask[req.Task]; ok {
		return out, nil
	}
	return s.Response, nil
}

func (s *Stub) Name() string  { return "stub" }
func (s *Stub) Model() string { return "stub" }

func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Stub) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}
