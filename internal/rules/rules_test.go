package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMatchSender(t *testing.T) {
	tests := []struct {
		pattern string
		addr    string
		want    bool
	}{
		{"*@bank.example", "alerts@bank.example", true},
		{"*@bank.example", "Alerts@Bank.Example", true},
		{"*@Bank.Example", "alerts@bank.example", true},
		{"*@bank.example", "bank.example", false},
		{"*@bank.example", "@bank.example", false},
		{"*@bank.example", "x@notbank.example", false},
		{"*@bank.example", "x@mail.bank.example", false},
		{"*.bank.example", "x@mail.bank.example", true},
		{"billing@shop.example", "Billing@Shop.Example", true},
		{"billing@shop.example", "other@shop.example", false},
		{"*", "anyone@x.example", false},
		{"", "anyone@x.example", false},
		{"a*@bank.example", "ab@bank.example", false},
	}
	for _, tt := range tests {
		if got := MatchSender(tt.pattern, tt.addr); got != tt.want {
			t.Errorf("MatchSender(%q, %q) = %v, want %v", tt.pattern, tt.addr, got, tt.want)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Alerts@Bank.Example", "alerts@bank.example"},
		{"Bank Alerts <Alerts@Bank.Example>", "alerts@bank.example"},
		{`"Doe, Jane" <jane@x.example>`, "jane@x.example"},
		{"  *@Bank.Example ", "*@bank.example"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.in); got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMergeDoesNotMutateBaseline(t *testing.T) {
	b := &Baseline{
		RelevantSenders: []string{"*@Bank.Example"},
		SubjectKeywords: []string{"Statement"},
		Categories:      []Category{{Name: "Banking", Hints: []string{"Bank"}}},
	}
	u := &UserRules{
		RelevantSenders: []string{"*@bank.example", "pay@shop.example"},
		SubjectKeywords: []string{"statement", "invoice"},
	}
	m := Merge(b, u)

	if len(m.RelevantSenders) != 2 {
		t.Errorf("relevant senders = %v, want 2 deduplicated", m.RelevantSenders)
	}
	if len(m.SubjectKeywords) != 2 {
		t.Errorf("subject keywords = %v", m.SubjectKeywords)
	}
	if b.RelevantSenders[0] != "*@Bank.Example" || b.Categories[0].Hints[0] != "Bank" {
		t.Errorf("baseline mutated: %+v", b)
	}
	if got := m.CategoryFor("alerts@bank.example", "hello"); got != "banking" {
		t.Errorf("CategoryFor = %q, want banking", got)
	}
	if got := m.CategoryFor("x@y.example", "hello"); got != "" {
		t.Errorf("CategoryFor = %q, want empty", got)
	}
}

func TestCategoryFirstMatchWins(t *testing.T) {
	m := Merge(&Baseline{Categories: []Category{
		{Name: "tax", Hints: []string{"1099"}},
		{Name: "investments", Hints: []string{"broker"}},
	}}, nil)
	if got := m.CategoryFor("news@broker.example", "Your 1099 is ready"); got != "tax" {
		t.Errorf("CategoryFor = %q, want tax", got)
	}
}

func TestIgnoreAndApprove(t *testing.T) {
	u := &UserRules{
		RelevantSenders: []string{"a@x.example", "b@x.example"},
		PendingReview:   []string{"b@x.example", "c@x.example"},
	}
	if !u.Approve("C@X.example") {
		t.Error("expected c to be pending")
	}
	if u.Approve("zzz@x.example") {
		t.Error("unexpected approve of unknown sender")
	}
	u.Ignore("B@x.example")

	if len(u.RelevantSenders) != 1 || u.RelevantSenders[0] != "a@x.example" {
		t.Errorf("relevant = %v", u.RelevantSenders)
	}
	if len(u.PendingReview) != 0 {
		t.Errorf("pending = %v", u.PendingReview)
	}
	if len(u.IgnoredSenders) != 1 || u.IgnoredSenders[0] != "b@x.example" {
		t.Errorf("ignored = %v", u.IgnoredSenders)
	}
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rules")
	st := NewFileStore(dir)

	b, err := st.Baseline()
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if b.Version == "" || len(b.RelevantSenders) == 0 {
		t.Fatalf("embedded baseline looks empty: %+v", b)
	}

	u, err := st.User()
	if err != nil || u != nil {
		t.Fatalf("User before build = %v, %v; want nil, nil", u, err)
	}

	now := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	if err := st.SaveUser(&UserRules{
		Version:         1,
		GeneratedAt:     now,
		LastRefreshedAt: now,
		RelevantSenders: []string{"A@x.example", "a@x.example"},
	}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	u, err = st.User()
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if len(u.RelevantSenders) != 1 || !u.LastRefreshedAt.Equal(now) {
		t.Errorf("user = %+v", u)
	}

	override := `{"version":"custom","relevant_senders":["only@x.example"]}`
	if err := os.WriteFile(filepath.Join(dir, "baseline.json"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err = st.Baseline()
	if err != nil {
		t.Fatalf("Baseline override: %v", err)
	}
	if b.Version != "custom" {
		t.Errorf("baseline version = %q, want custom", b.Version)
	}

	m, err := LoadMerged(st)
	if err != nil {
		t.Fatalf("LoadMerged: %v", err)
	}
	if !m.IsRelevantSender("only@x.example") || !m.IsRelevantSender("a@x.example") {
		t.Errorf("merged senders = %v", m.RelevantSenders)
	}
}
