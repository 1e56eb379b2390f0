package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const geminiDefaultModel = "gemini-1.5-flash"

type Gemini struct {
	APIKey  string
	BaseURL string
	ModelID string
	Client  *http.Client
}

func NewGemini(apiKey, baseURL, model string, timeout time.Duration) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	if model == "" {
		model = geminiDefaultModel
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Gemini{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		ModelID: model,
		Client:  &http.Client{Timeout: timeout},
	}, nil
}

func (g *Gemini) Name() string  { return "gemini" }
func (g *Gemini) Model() string { return g.ModelID }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	payload := map[string]any{
		"contents": []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.User}}}},
		"generationConfig": map[string]any{
			"temperature": req.Temperature,
		},
	}
	if req.System != "" {
		payload["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		payload["generationConfig"].(map[string]any)["maxOutputTokens"] = req.MaxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	endpoint := g.BaseURL + "/models/" + url.PathEscape(g.ModelID) + ":generateContent?key=" + url.QueryEscape(g.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{Provider: "gemini", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var decoded struct {
		Candidates []struct {
			Content geminiContent `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", errors.Join(ErrMalformedResponse, err)
	}
	if len(decoded.Candidates) == 0 {
		return "", ErrMalformedResponse
	}
	var sb strings.Builder
	for _, part := range decoded.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrMalformedResponse
	}
	return sb.String(), nil
}
