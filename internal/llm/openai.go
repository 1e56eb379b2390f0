package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

const (
	openRouterDefaultModel = "google/gemini-2.0-flash-001"
	openAIDefaultModel     = "gpt-4o-mini"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint. OpenRouter
// is the default deployment; the plain OpenAI API works with an empty base URL.
type OpenAI struct {
	client   openai.Client
	provider string
	model    string
}

func NewOpenRouter(apiKey, baseURL, model string, timeout time.Duration) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openrouter api key is required")
	}
	if model == "" {
		model = openRouterDefaultModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
		option.WithHeader("X-Title", "ConvocatoriasPro"),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &OpenAI{client: openai.NewClient(opts...), provider: "openrouter", model: model}, nil
}

func NewOpenAI(apiKey, model string, timeout time.Duration) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if model == "" {
		model = openAIDefaultModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &OpenAI{client: openai.NewClient(opts...), provider: "openai", model: model}, nil
}

func (o *OpenAI) Name() string  { return o.provider }
func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{Provider: o.provider, StatusCode: apiErr.StatusCode, Body: apiErr.Message}
		}
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrMalformedResponse
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", ErrMalformedResponse
	}
	return content, nil
}
