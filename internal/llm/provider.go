package llm

import (
	"fmt"
	"strings"

	"convocatorias/internal/config"
)

// FromConfig builds the configured gateway wrapped in the process-wide rate
// limiter.
func FromConfig(cfg config.Config) (Gateway, error) {
	var (
		gw  Gateway
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.LLM.Provider)) {
	case "", "noop":
		gw = NewNoop()
	case "openrouter":
		gw, err = NewOpenRouter(cfg.LLM.OpenRouterKey, cfg.LLM.OpenRouterURL, cfg.LLM.Model, cfg.LLM.Timeout)
	case "openai":
		gw, err = NewOpenAI(cfg.LLM.OpenAIKey, cfg.LLM.Model, cfg.LLM.Timeout)
	case "gemini":
		gw, err = NewGemini(cfg.LLM.GeminiKey, cfg.LLM.GeminiURL, cfg.LLM.Model, cfg.LLM.Timeout)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewLimited(gw, cfg.LLM.RequestsPerSec, cfg.LLM.Burst), nil
}
