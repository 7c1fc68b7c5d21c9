package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/finbrief/internal/llm"
	"github.com/daviddao/finbrief/internal/retry"
)

var configKeys = []string{
	"FB_HOME", "FB_DB", "FB_TIMEZONE", "FB_SCHEDULE", "FB_INITIAL_LOOKBACK",
	"FB_RULES_REFRESH_INTERVAL", "FB_SOURCE", "FB_GMAIL_CREDENTIALS", "FB_FETCH_DELAY",
	"FB_IMAP_ADDR", "FB_IMAP_USER", "FB_IMAP_PASSWORD", "FB_IMAP_MAILBOX",
	"FB_LLM_PROVIDER", "FB_LLM_FALLBACK", "FB_LLM_TIMEOUT", "FB_LLM_MAX_ATTEMPTS",
	"FB_LLM_RETRY_BASE", "FB_LLM_PROBE_TIMEOUT", "FB_SUMMARY_THRESHOLD", "FB_SUMMARY_CHUNK",
	"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
}

// clearEnv unsets every finbrief key for the duration of the test, so values
// loaded from .env files are also undone at cleanup.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("FB_HOME", home)

	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DBPath != filepath.Join(home, "finbrief.db") {
		t.Errorf("DBPath = %q", c.DBPath)
	}
	if c.GmailCredentials != filepath.Join(home, "credentials.json") || c.TokenPath() != filepath.Join(home, "token.json") {
		t.Errorf("credentials = %q, token = %q", c.GmailCredentials, c.TokenPath())
	}
	if c.Schedule.String() != "07:30" || c.InitialLookback != 72*time.Hour || c.RulesRefresh != 168*time.Hour {
		t.Errorf("schedule = %s, lookback = %v, refresh = %v", c.Schedule, c.InitialLookback, c.RulesRefresh)
	}
	if c.Source != SourceGmail || c.LLMProvider != llm.ProviderOllama || c.LLMFallback != "" {
		t.Errorf("source = %q, provider = %q, fallback = %q", c.Source, c.LLMProvider, c.LLMFallback)
	}
	if c.Retry != (retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second}) {
		t.Errorf("retry = %+v", c.Retry)
	}
	if c.SummaryThreshold != 12000 || c.SummaryChunk != 25 || c.LLM.Timeout != 120*time.Second {
		t.Errorf("summary = %d/%d, timeout = %v", c.SummaryThreshold, c.SummaryChunk, c.LLM.Timeout)
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "finbrief.env")
	content := "FB_HOME=" + dir + "\nFB_SCHEDULE=19:00, 07:30\nFB_SOURCE=IMAP\nFB_SUMMARY_CHUNK=40\nFB_LLM_TIMEOUT=30s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FB_SUMMARY_CHUNK", "10")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Schedule.String() != "07:30,19:00" {
		t.Errorf("schedule = %s", c.Schedule)
	}
	if c.Source != SourceIMAP || c.IMAPMailbox != "INBOX" {
		t.Errorf("source = %q, mailbox = %q", c.Source, c.IMAPMailbox)
	}
	if c.SummaryChunk != 10 {
		t.Errorf("chunk = %d, environment should win over the file", c.SummaryChunk)
	}
	if c.LLM.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", c.LLM.Timeout)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"FB_SCHEDULE", "25:00"},
		{"FB_SCHEDULE", " , "},
		{"FB_LLM_TIMEOUT", "soon"},
		{"FB_LLM_MAX_ATTEMPTS", "three"},
		{"FB_TIMEZONE", "Mars/Olympus_Mons"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("FB_HOME", t.TempDir())
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			var ce *Error
			if !errors.As(err, &ce) || ce.Key != tt.key {
				t.Errorf("err = %v, want config error for %s", err, tt.key)
			}
		})
	}

	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); !IsConfigError(err) {
		t.Errorf("missing env file: err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(creds, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	base := func() *Config {
		return &Config{
			Source:           SourceGmail,
			GmailCredentials: creds,
			LLMProvider:      llm.ProviderOllama,
			Retry:            retry.Default,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantKey string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing credentials", func(c *Config) { c.GmailCredentials = filepath.Join(dir, "nope.json") }, "FB_GMAIL_CREDENTIALS"},
		{"imap without user", func(c *Config) { c.Source = SourceIMAP; c.IMAPAddr = "imap.example:993" }, "FB_IMAP_USER"},
		{"unknown source", func(c *Config) { c.Source = "pop3" }, "FB_SOURCE"},
		{"cloud without key", func(c *Config) { c.LLMProvider = llm.ProviderGemini }, "FB_LLM_PROVIDER"},
		{"fallback same as primary", func(c *Config) { c.LLMFallback = llm.ProviderOllama }, "FB_LLM_FALLBACK"},
		{"fallback with key", func(c *Config) { c.LLMFallback = llm.ProviderOpenAI; c.LLM.OpenAIAPIKey = "sk-test" }, ""},
		{"half telegram", func(c *Config) { c.TelegramBotToken = "123:abc" }, "TELEGRAM_CHAT_ID"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "FB_LLM_MAX_ATTEMPTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantKey == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			var ce *Error
			if !errors.As(err, &ce) || ce.Key != tt.wantKey {
				t.Errorf("err = %v, want key %s", err, tt.wantKey)
			}
		})
	}
}

func TestScheduleNext(t *testing.T) {
	s, err := ParseSchedule("19:00,07:30,07:30", time.UTC)
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	day := func(d, h, m int) time.Time { return time.Date(2026, 3, d, h, m, 0, 0, time.UTC) }

	tests := []struct {
		after, want time.Time
	}{
		{day(1, 6, 0), day(1, 7, 30)},
		{day(1, 7, 30), day(1, 19, 0)},
		{day(1, 12, 0), day(1, 19, 0)},
		{day(1, 20, 0), day(2, 7, 30)},
		{day(31, 23, 59), time.Date(2026, 4, 1, 7, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := s.Next(tt.after); !got.Equal(tt.want) {
			t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.want)
		}
	}
	if s.String() != "07:30,19:00" {
		t.Errorf("String = %s", s)
	}
}
