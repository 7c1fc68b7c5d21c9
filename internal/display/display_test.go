package display

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/daviddao/finbrief/internal/types"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 3, "abc"},
		{"überweisung eingegangen", 8, "überw..."},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestTimeAgo(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		t    time.Time
		want string
	}{
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-50 * time.Hour), "2d ago"},
		{time.Time{}, ""},
	}
	for _, tt := range tests {
		if got := timeAgo(tt.t, now); got != tt.want {
			t.Errorf("timeAgo(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("ShortID = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID = %q", got)
	}
}

func TestActionLine(t *testing.T) {
	due := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	line := ActionLine(&types.ActionItem{
		ID:          "0123456789",
		Description: "Pay card balance",
		Priority:    types.PriorityUrgent,
		Status:      types.ActionDone,
		DueDate:     &due,
	})
	for _, want := range []string{"URGENT", "01234567", "Pay card balance", "due Tue Mar 3", "[done]"} {
		if !strings.Contains(line, want) {
			t.Errorf("ActionLine missing %q: %s", want, line)
		}
	}
}

func TestConsoleDeliver(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	if c.Name() != "console" {
		t.Errorf("Name = %q", c.Name())
	}
	if err := c.Deliver(context.Background(), "\n## Banking\n- salary arrived\n"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "finbrief digest") || !strings.HasSuffix(out, "## Banking\n- salary arrived\n") {
		t.Errorf("output = %q", out)
	}
}
