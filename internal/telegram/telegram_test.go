package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/retry"
)

func TestDeliverSendsMessage(t *testing.T) {
	var texts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["chat_id"] != "22" {
			t.Errorf("unexpected chat id: %v", payload["chat_id"])
		}
		texts = append(texts, payload["text"].(string))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{}})
	}))
	defer server.Close()

	ch := NewChannel(Config{BotToken: "token", ChatID: "22", APIRoot: server.URL}, logging.Discard())
	long := strings.Repeat("line of the digest\n", 400)
	if err := ch.Deliver(context.Background(), long); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(texts) != 2 {
		t.Fatalf("sent %d messages, want 2", len(texts))
	}
	if got := strings.Join(texts, "\n"); got != strings.TrimRight(long, "\n") {
		t.Error("split parts do not reassemble into the original text")
	}
}

func TestDeliverAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Bad Request: chat not found"})
	}))
	defer server.Close()

	ch := NewChannel(Config{BotToken: "token", ChatID: "1", APIRoot: server.URL}, logging.Discard())
	err := ch.Deliver(context.Background(), "hello")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 400 || apiErr.Description != "Bad Request: chat not found" {
		t.Fatalf("err = %v", err)
	}
	if apiErr.Retryable() {
		t.Error("400 should not be retryable")
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	ch := NewChannel(Config{
		BotToken: "token",
		ChatID:   "1",
		APIRoot:  server.URL,
		Retry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, logging.Discard())
	if err := ch.Deliver(context.Background(), "hello"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestDeliverRequiresConfig(t *testing.T) {
	ch := NewChannel(Config{}, logging.Discard())
	if err := ch.Deliver(context.Background(), "hello"); err == nil {
		t.Error("expected error without token and chat id")
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"short", "a\nb\n", 10, []string{"a\nb"}},
		{"line boundaries", "aaaa\nbbbb\ncccc", 10, []string{"aaaa\nbbbb", "cccc"}},
		{"long line cut", "abcdefghij\nxy", 4, []string{"abcd", "efgh", "ij", "xy"}},
		{"runes", "ééééé\nü", 5, []string{"ééééé", "ü"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.max)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Split = %q, want %q", got, tt.want)
			}
			for _, p := range got {
				if len([]rune(p)) > tt.max {
					t.Errorf("part %q exceeds %d runes", p, tt.max)
				}
			}
		})
	}
}
