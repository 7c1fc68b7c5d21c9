package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Ollama talks to a local Ollama server.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates an Ollama provider with defaults for empty settings.
func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3"
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
}

func (o *Ollama) Name() string  { return ProviderOllama }
func (o *Ollama) Model() string { return o.model }
func (o *Ollama) Local() bool   { return true }

// Check asks the server for its model list.
func (o *Ollama) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check: status %d", resp.StatusCode)
	}
	return nil
}

func (o *Ollama) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	body, err := buildJSON([]field{
		{"model", o.model},
		{"prompt", prompt},
		{"stream", false},
		{"options.temperature", opts.Temperature},
	})
	if err != nil {
		return nil, err
	}
	if opts.MaxTokens > 0 {
		if body, err = sjson.SetBytes(body, "options.num_predict", opts.MaxTokens); err != nil {
			return nil, err
		}
	}
	if opts.SystemPrompt != "" {
		if body, err = sjson.SetBytes(body, "system", opts.SystemPrompt); err != nil {
			return nil, err
		}
	}
	if opts.Format == FormatJSON {
		if body, err = sjson.SetBytes(body, "format", "json"); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: ProviderOllama, Code: resp.StatusCode, Body: string(respBody)}
	}
	if !gjson.ValidBytes(respBody) {
		return nil, fmt.Errorf("ollama returned invalid JSON")
	}

	r := gjson.ParseBytes(respBody)
	model := r.Get("model").String()
	if model == "" {
		model = o.model
	}
	return &Response{
		Text:       r.Get("response").String(),
		TokensUsed: int(r.Get("prompt_eval_count").Int() + r.Get("eval_count").Int()),
		Model:      model,
	}, nil
}

type field struct {
	path  string
	value any
}

func buildJSON(fields []field) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	for _, f := range fields {
		if body, err = sjson.SetBytes(body, f.path, f.value); err != nil {
			return nil, fmt.Errorf("build request %s: %w", f.path, err)
		}
	}
	return body, nil
}
