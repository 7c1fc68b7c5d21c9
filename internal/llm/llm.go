// Package llm is the inference gateway: one call shape over local and cloud
// model providers, with liveness probing, fallback, retry and usage
// reporting.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider names.
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// FormatJSON requests structured JSON output.
const FormatJSON = "json"

// Options tune one call.
type Options struct {
	Format       string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Response is the result of one successful call.
type Response struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model"`
}

// Provider is one inference backend.
type Provider interface {
	Name() string
	Model() string
	// Local reports whether the backend is self-hosted and must be probed.
	Local() bool
	// Check probes a local backend or validates cloud credentials.
	Check(ctx context.Context) error
	Generate(ctx context.Context, prompt string, opts Options) (*Response, error)
}

// ErrUnavailable means no provider could serve the call.
var ErrUnavailable = errors.New("inference service unavailable")

// ConfigError is a terminal configuration problem, never retried.
type ConfigError struct {
	Provider string
	Msg      string
}

func (e *ConfigError) Error() string {
	if e.Provider == "" {
		return "llm configuration: " + e.Msg
	}
	return fmt.Sprintf("llm configuration (%s): %s", e.Provider, e.Msg)
}

// StatusError is a non-2xx reply from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.Code, body)
}

// Retryable reports whether the status is a rate limit or server error.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}

// Config carries the settings for every provider.
type Config struct {
	OllamaBaseURL string
	OllamaModel   string
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	Timeout       time.Duration
}

// NewProvider builds the named provider. Unknown names and missing cloud
// credentials are configuration errors.
func NewProvider(name string, cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ProviderOllama:
		return NewOllama(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, &ConfigError{Provider: ProviderGemini, Msg: "GEMINI_API_KEY is required"}
		}
		return NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiBaseURL), nil
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, &ConfigError{Provider: ProviderOpenAI, Msg: "OPENAI_API_KEY is required"}
		}
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.Timeout), nil
	default:
		return nil, &ConfigError{Msg: fmt.Sprintf("unknown provider %q", name)}
	}
}

// ExtractJSON isolates the JSON object or array in model output that may be
// wrapped in code fences or prose. Returns "" when there is none.
func ExtractJSON(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		s = strings.TrimSpace(rest)
	}

	obj := strings.IndexByte(s, '{')
	arr := strings.IndexByte(s, '[')
	open, closer := obj, byte('}')
	if obj < 0 || (arr >= 0 && arr < obj) {
		open, closer = arr, ']'
	}
	if open < 0 {
		return ""
	}
	end := strings.LastIndexByte(s, closer)
	if end <= open {
		return ""
	}
	return s[open : end+1]
}
