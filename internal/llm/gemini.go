package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini calls the Google generateContent endpoint.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewGemini creates a Gemini provider.
func NewGemini(apiKey, model, baseURL string) *Gemini {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	return &Gemini{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (g *Gemini) Name() string  { return ProviderGemini }
func (g *Gemini) Model() string { return g.model }
func (g *Gemini) Local() bool   { return false }

func (g *Gemini) Check(context.Context) error {
	if strings.TrimSpace(g.apiKey) == "" {
		return &ConfigError{Provider: ProviderGemini, Msg: "GEMINI_API_KEY is required"}
	}
	return nil
}

func (g *Gemini) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	fields := []field{
		{"contents.0.role", "user"},
		{"contents.0.parts.0.text", prompt},
		{"generationConfig.temperature", opts.Temperature},
	}
	if opts.MaxTokens > 0 {
		fields = append(fields, field{"generationConfig.maxOutputTokens", opts.MaxTokens})
	}
	if opts.SystemPrompt != "" {
		fields = append(fields, field{"systemInstruction.parts.0.text", opts.SystemPrompt})
	}
	if opts.Format == FormatJSON {
		fields = append(fields, field{"generationConfig.responseMimeType", "application/json"})
	}
	body, err := buildJSON(fields)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: ProviderGemini, Code: resp.StatusCode, Body: string(respBody)}
	}

	r := gjson.ParseBytes(respBody)
	var text strings.Builder
	for _, part := range r.Get("candidates.0.content.parts").Array() {
		text.WriteString(part.Get("text").String())
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("gemini returned no candidates (finish reason %q)", r.Get("candidates.0.finishReason").String())
	}
	model := r.Get("modelVersion").String()
	if model == "" {
		model = g.model
	}
	return &Response{
		Text:       text.String(),
		TokensUsed: int(r.Get("usageMetadata.totalTokenCount").Int()),
		Model:      model,
	}, nil
}
