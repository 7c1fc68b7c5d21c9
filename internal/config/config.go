// Package config loads finbrief settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/daviddao/finbrief/internal/llm"
	"github.com/daviddao/finbrief/internal/retry"
	"github.com/joho/godotenv"
)

// Mail sources.
const (
	SourceGmail = "gmail"
	SourceIMAP  = "imap"
)

// Error is an invalid or missing setting. Configuration errors are terminal.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Msg)
}

// Config holds every runtime setting.
type Config struct {
	Home     string
	DBPath   string
	Location *time.Location
	Schedule *Schedule

	InitialLookback time.Duration
	RulesRefresh    time.Duration

	Source           string
	GmailCredentials string
	IMAPAddr         string
	IMAPUser         string
	IMAPPassword     string
	IMAPMailbox      string
	FetchDelay       time.Duration

	LLMProvider  string
	LLMFallback  string
	LLM          llm.Config
	Retry        retry.Policy
	ProbeTimeout time.Duration

	SummaryThreshold int
	SummaryChunk     int

	TelegramBotToken string
	TelegramChatID   string
}

// RulesDir is where the rule files live.
func (c *Config) RulesDir() string { return filepath.Join(c.Home, "rules") }

// LogsDir is where the daily log files are written.
func (c *Config) LogsDir() string { return filepath.Join(c.Home, "logs") }

// TokenPath is the cached Gmail OAuth token, next to the client credentials.
func (c *Config) TokenPath() string {
	return filepath.Join(filepath.Dir(c.GmailCredentials), "token.json")
}

// Load reads the configuration. When envFile is empty a .env file in the
// working directory is loaded if present; an explicit envFile must exist.
// Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, &Error{Key: "--env", Msg: err.Error()}
		}
	} else {
		_ = godotenv.Load()
	}

	home, err := defaultHome()
	if err != nil {
		return nil, err
	}
	home = expandHome(getEnv("FB_HOME", home))

	p := &parser{}
	c := &Config{
		Home:             home,
		DBPath:           expandHome(getEnv("FB_DB", filepath.Join(home, "finbrief.db"))),
		InitialLookback:  p.duration("FB_INITIAL_LOOKBACK", 72*time.Hour),
		RulesRefresh:     p.duration("FB_RULES_REFRESH_INTERVAL", 168*time.Hour),
		Source:           strings.ToLower(getEnv("FB_SOURCE", SourceGmail)),
		GmailCredentials: expandHome(getEnv("FB_GMAIL_CREDENTIALS", filepath.Join(home, "credentials.json"))),
		IMAPAddr:         getEnv("FB_IMAP_ADDR", ""),
		IMAPUser:         getEnv("FB_IMAP_USER", ""),
		IMAPPassword:     getEnv("FB_IMAP_PASSWORD", ""),
		IMAPMailbox:      getEnv("FB_IMAP_MAILBOX", "INBOX"),
		FetchDelay:       p.duration("FB_FETCH_DELAY", 100*time.Millisecond),
		LLMProvider:      strings.ToLower(getEnv("FB_LLM_PROVIDER", llm.ProviderOllama)),
		LLMFallback:      strings.ToLower(getEnv("FB_LLM_FALLBACK", "")),
		LLM: llm.Config{
			OllamaBaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			OllamaModel:   getEnv("OLLAMA_MODEL", "llama3"),
			GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
			GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			Timeout:       p.duration("FB_LLM_TIMEOUT", 120*time.Second),
		},
		Retry: retry.Policy{
			MaxAttempts: p.integer("FB_LLM_MAX_ATTEMPTS", 3),
			BaseDelay:   p.duration("FB_LLM_RETRY_BASE", 2*time.Second),
		},
		ProbeTimeout:     p.duration("FB_LLM_PROBE_TIMEOUT", 3*time.Second),
		SummaryThreshold: p.integer("FB_SUMMARY_THRESHOLD", 12000),
		SummaryChunk:     p.integer("FB_SUMMARY_CHUNK", 25),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}

	tz := getEnv("FB_TIMEZONE", "Local")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		p.fail("FB_TIMEZONE", fmt.Sprintf("unknown time zone %q", tz))
		loc = time.Local
	}
	c.Location = loc

	sched, err := ParseSchedule(getEnv("FB_SCHEDULE", "07:30"), loc)
	if err != nil {
		p.fail("FB_SCHEDULE", err.Error())
	}
	c.Schedule = sched

	if p.err != nil {
		return nil, p.err
	}
	return c, nil
}

// Validate checks the settings a pipeline run depends on: the mail source
// credentials and the inference providers.
func (c *Config) Validate() error {
	switch c.Source {
	case SourceGmail:
		if _, err := os.Stat(c.GmailCredentials); err != nil {
			return &Error{Key: "FB_GMAIL_CREDENTIALS", Msg: fmt.Sprintf("credentials not found at %s", c.GmailCredentials)}
		}
	case SourceIMAP:
		for _, kv := range [][2]string{
			{"FB_IMAP_ADDR", c.IMAPAddr},
			{"FB_IMAP_USER", c.IMAPUser},
			{"FB_IMAP_PASSWORD", c.IMAPPassword},
		} {
			if kv[1] == "" {
				return &Error{Key: kv[0], Msg: "required when FB_SOURCE=imap"}
			}
		}
	default:
		return &Error{Key: "FB_SOURCE", Msg: fmt.Sprintf("unknown source %q (want gmail or imap)", c.Source)}
	}

	if c.Retry.MaxAttempts < 1 {
		return &Error{Key: "FB_LLM_MAX_ATTEMPTS", Msg: "must be at least 1"}
	}
	if _, err := llm.NewProvider(c.LLMProvider, c.LLM); err != nil {
		return &Error{Key: "FB_LLM_PROVIDER", Msg: err.Error()}
	}
	if c.LLMFallback != "" {
		if c.LLMFallback == c.LLMProvider {
			return &Error{Key: "FB_LLM_FALLBACK", Msg: "must differ from FB_LLM_PROVIDER"}
		}
		if _, err := llm.NewProvider(c.LLMFallback, c.LLM); err != nil {
			return &Error{Key: "FB_LLM_FALLBACK", Msg: err.Error()}
		}
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		return &Error{Key: "TELEGRAM_CHAT_ID", Msg: "TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"}
	}
	return nil
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var ce *Error
	var le *llm.ConfigError
	return errors.As(err, &ce) || errors.As(err, &le)
}

type parser struct {
	err error
}

func (p *parser) fail(key, msg string) {
	if p.err == nil {
		p.err = &Error{Key: key, Msg: msg}
	}
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		p.fail(key, fmt.Sprintf("invalid duration %q", v))
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.fail(key, fmt.Sprintf("invalid number %q", v))
		return def
	}
	return n
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".finbrief"), nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}
