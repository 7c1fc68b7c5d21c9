// Package telegram delivers digests through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/retry"
	"github.com/tidwall/gjson"
)

const defaultAPIRoot = "https://api.telegram.org"

// MaxMessageLen is the Bot API limit for one text message.
const MaxMessageLen = 4096

// Config configures a Channel.
type Config struct {
	BotToken string
	ChatID   string
	APIRoot  string
	Retry    retry.Policy
	Timeout  time.Duration
}

// APIError is a failed Bot API call.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.Code, e.Description)
}

// Retryable reports whether the call hit a rate limit or a server error.
func (e *APIError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Channel sends text to one chat.
type Channel struct {
	cfg    Config
	client *http.Client
	log    *logging.Logger
}

// NewChannel returns a Telegram delivery channel.
func NewChannel(cfg Config, log *logging.Logger) *Channel {
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultAPIRoot
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Channel{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, log: log}
}

// Name identifies the channel in delivery records.
func (c *Channel) Name() string { return "telegram" }

// Deliver sends text, split at line boundaries into messages within the Bot
// API limit. A failed part aborts the remaining parts.
func (c *Channel) Deliver(ctx context.Context, text string) error {
	if strings.TrimSpace(c.cfg.BotToken) == "" || strings.TrimSpace(c.cfg.ChatID) == "" {
		return fmt.Errorf("telegram bot token and chat id are required")
	}
	parts := Split(text, MaxMessageLen)
	for i, part := range parts {
		payload := map[string]any{
			"chat_id":                  c.cfg.ChatID,
			"text":                     part,
			"disable_web_page_preview": true,
		}
		err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			return c.call(ctx, "sendMessage", payload)
		}, retry.Retryable)
		if err != nil {
			return fmt.Errorf("send part %d/%d: %w", i+1, len(parts), err)
		}
	}
	c.log.Info("[telegram] delivered %d message(s) to chat %s", len(parts), c.cfg.ChatID)
	return nil
}

func (c *Channel) call(ctx context.Context, method string, payload any) error {
	url := strings.TrimRight(c.cfg.APIRoot, "/") + "/bot" + c.cfg.BotToken + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	r := gjson.ParseBytes(respBody)
	if resp.StatusCode >= 300 || !r.Get("ok").Bool() {
		desc := r.Get("description").String()
		if desc == "" {
			desc = strings.TrimSpace(string(respBody))
		}
		return &APIError{Method: method, Code: resp.StatusCode, Description: desc}
	}
	return nil
}

// Split breaks text into chunks of at most limit runes, preferring line
// boundaries. Lines longer than limit are cut.
func Split(text string, limit int) []string {
	text = strings.TrimRight(text, "\n")
	if len([]rune(text)) <= limit {
		return []string{text}
	}

	var parts []string
	var cur []rune
	flush := func() {
		if s := strings.Trim(string(cur), "\n"); s != "" {
			parts = append(parts, s)
		}
		cur = cur[:0]
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		r := []rune(line)
		if len(cur)+len(r) <= limit {
			cur = append(cur, r...)
			continue
		}
		flush()
		for len(r) > limit {
			parts = append(parts, string(r[:limit]))
			r = r[limit:]
		}
		cur = append(cur, r...)
	}
	flush()
	return parts
}
