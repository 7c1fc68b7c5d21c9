package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/pipeline"
	"github.com/daviddao/finbrief/internal/retry"
)

const apiPrefix = "/gmail/v1/users/me/"

func messageJSON(id, from, subject, body string, ms int64) string {
	data := base64.URLEncoding.EncodeToString([]byte(body))
	return fmt.Sprintf(`{"id":%q,"threadId":"t-%s","internalDate":"%d","labelIds":["INBOX"],
		"payload":{"mimeType":"multipart/alternative","headers":[
			{"name":"From","value":%q},{"name":"Subject","value":%q}],
		"parts":[{"mimeType":"text/plain","body":{"data":%q}}]}}`, id, id, ms, from, subject, data)
}

func newConnector(t *testing.T, h http.HandlerFunc) *Connector {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	svc, err := gm.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return New(svc, Options{Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}}, logging.Discard())
}

func TestFetchSinceFullSearch(t *testing.T) {
	var queries []string
	c := newConnector(t, func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, apiPrefix)
		switch {
		case path == "profile":
			fmt.Fprint(w, `{"emailAddress":"me@example.com","historyId":"900"}`)
		case path == "messages":
			queries = append(queries, r.URL.Query().Get("q"))
			if r.URL.Query().Get("pageToken") == "" {
				fmt.Fprint(w, `{"messages":[{"id":"m1"}],"nextPageToken":"p2"}`)
				return
			}
			fmt.Fprint(w, `{"messages":[{"id":"m2"}]}`)
		case path == "messages/m1":
			fmt.Fprint(w, messageJSON("m1", `"Chase Alerts" <Alerts@Chase.com>`, "Payment due", "Your payment is due.", 1773100000000))
		case path == "messages/m2":
			fmt.Fprint(w, messageJSON("m2", "news@shop.example", "Sale", "50% off", 1773103600000))
		default:
			http.NotFound(w, r)
		}
	})

	since := time.Unix(1773000000, 0)
	msgs, next, err := c.FetchSince(context.Background(), "", since)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if next != "900" {
		t.Errorf("checkpoint = %q, want 900", next)
	}
	if len(queries) != 2 || queries[0] != "in:inbox after:1773000000" {
		t.Errorf("queries = %v", queries)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	m := msgs[0]
	if m.Sender != "alerts@chase.com" || m.SenderName != "Chase Alerts" {
		t.Errorf("sender = %q / %q", m.Sender, m.SenderName)
	}
	if m.Subject != "Payment due" || m.Body != "Your payment is due." || m.ThreadID != "t-m1" {
		t.Errorf("message = %+v", m)
	}
	if !m.ReceivedAt.Equal(time.UnixMilli(1773100000000)) || m.Source != Source {
		t.Errorf("received %v source %q", m.ReceivedAt, m.Source)
	}
}

func TestFetchSinceHistory(t *testing.T) {
	c := newConnector(t, func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, apiPrefix)
		switch {
		case path == "history":
			if got := r.URL.Query().Get("startHistoryId"); got != "900" {
				t.Errorf("startHistoryId = %q", got)
			}
			fmt.Fprint(w, `{"historyId":"950","history":[
				{"messagesAdded":[{"message":{"id":"m3"}}]},
				{"messagesAdded":[{"message":{"id":"m3"}},{"message":{"id":"gone"}}]}]}`)
		case path == "messages/m3":
			fmt.Fprint(w, messageJSON("m3", "bank@example.com", "Statement", "ready", 1773200000000))
		default:
			http.NotFound(w, r)
		}
	})

	msgs, next, err := c.FetchSince(context.Background(), "900", time.Time{})
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if next != "950" {
		t.Errorf("checkpoint = %q, want 950", next)
	}
	if len(msgs) != 1 || msgs[0].ID != "m3" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestFetchSinceExpiredHistory(t *testing.T) {
	c := newConnector(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404,"message":"Requested entity was not found."}}`, http.StatusNotFound)
	})
	_, _, err := c.FetchSince(context.Background(), "12", time.Time{})
	if !errors.Is(err, pipeline.ErrCheckpointExpired) {
		t.Fatalf("err = %v, want ErrCheckpointExpired", err)
	}

	_, _, err = c.FetchSince(context.Background(), "not-a-number", time.Time{})
	if !errors.Is(err, pipeline.ErrCheckpointExpired) {
		t.Fatalf("malformed checkpoint err = %v", err)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newConnector(t, func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, apiPrefix)
		switch path {
		case "history":
			fmt.Fprint(w, `{"historyId":"5","history":[{"messagesAdded":[{"message":{"id":"m1"}}]}]}`)
		case "messages/m1":
			if calls.Add(1) == 1 {
				http.Error(w, `{"error":{"code":503,"message":"backend"}}`, http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, messageJSON("m1", "a@b.com", "s", "b", 1))
		default:
			http.NotFound(w, r)
		}
	})
	msgs, _, err := c.FetchSince(context.Background(), "4", time.Time{})
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(msgs) != 1 || calls.Load() != 2 {
		t.Errorf("messages %d, calls %d", len(msgs), calls.Load())
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newConnector(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"code":403,"message":"forbidden"}}`, http.StatusForbidden)
	})
	if _, _, err := c.FetchSince(context.Background(), "", time.Now()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestExtractBodyFallsBackToHTML(t *testing.T) {
	html := base64.URLEncoding.EncodeToString([]byte("<html><style>p{}</style><p>Balance:&nbsp;<b>$120</b></p></html>"))
	p := &gm.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gm.MessagePart{
			{MimeType: "text/html", Body: &gm.MessagePartBody{Data: html}},
			{MimeType: "text/plain", Filename: "notes.txt", Body: &gm.MessagePartBody{Data: "aWdub3JlZA"}},
		},
	}
	if got := extractBody(p); got != "Balance: $120" {
		t.Errorf("extractBody = %q", got)
	}
}

func TestParseFrom(t *testing.T) {
	tests := []struct {
		in, name, addr string
	}{
		{`"Bank of X" <Info@BankX.com>`, "Bank of X", "info@bankx.com"},
		{"plain@example.com", "", "plain@example.com"},
		{"Broken Name <broken@example.com", "Broken Name", "broken@example.com"},
		{"", "", ""},
	}
	for _, tt := range tests {
		name, addr := parseFrom(tt.in)
		if name != tt.name || addr != tt.addr {
			t.Errorf("parseFrom(%q) = %q, %q; want %q, %q", tt.in, name, addr, tt.name, tt.addr)
		}
	}
}
