package organic

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/daviddao/finbrief/internal/db"
	"github.com/daviddao/finbrief/internal/llm"
	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/rules"
	"github.com/daviddao/finbrief/internal/types"
)

type memRules struct {
	baseline *rules.Baseline
	user     *rules.UserRules
	saves    int
}

func (m *memRules) Baseline() (*rules.Baseline, error) { return m.baseline, nil }
func (m *memRules) User() (*rules.UserRules, error)    { return m.user, nil }
func (m *memRules) SaveUser(u *rules.UserRules) error {
	u.Normalize()
	m.user = u
	m.saves++
	return nil
}

// fakeLLM labels every sender containing "fin" as relevant and fails the
// sender call numbers listed in failCalls.
type fakeLLM struct {
	senderCalls  int
	keywordCalls int
	failCalls    map[int]bool
	extra        string
	raw          string
	batchSizes   []int
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	if f.raw != "" {
		return &llm.Response{Text: f.raw, TokensUsed: 1}, nil
	}
	if strings.Contains(prompt, "Classify each sender") {
		f.senderCalls++
		if f.failCalls[f.senderCalls] {
			return nil, &llm.StatusError{Provider: "fake", Code: 500}
		}
		var relevant []string
		n := 0
		for _, line := range strings.Split(prompt, "\n") {
			addr, ok := strings.CutPrefix(line, "- ")
			if !ok {
				continue
			}
			n++
			if strings.Contains(addr, "fin") {
				relevant = append(relevant, fmt.Sprintf("%q", strings.ToUpper(addr)))
			}
		}
		f.batchSizes = append(f.batchSizes, n)
		if f.extra != "" {
			relevant = append(relevant, fmt.Sprintf("%q", f.extra))
		}
		text := "```json\n{\"relevant\": [" + strings.Join(relevant, ",") + "], \"not_relevant\": [], \"uncertain\": []}\n```"
		return &llm.Response{Text: text, TokensUsed: 10}, nil
	}
	f.keywordCalls++
	return &llm.Response{
		Text:       `{"subject_keywords": ["Statement Ready", "ok"], "body_keywords": ["closing balance"]}`,
		TokensUsed: 5,
	}, nil
}

func setup(t *testing.T) (*db.DB, *memRules) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "finbrief.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	rs := &memRules{baseline: &rules.Baseline{
		RelevantSenders: []string{"*@bank.example"},
		IgnoredSenders:  []string{"promo@bank.example"},
	}}
	return store, rs
}

func seed(t *testing.T, store *db.DB, fetched time.Time, senders ...string) {
	t.Helper()
	var msgs []*types.Message
	for i, s := range senders {
		msgs = append(msgs, &types.Message{
			ID:         fmt.Sprintf("%s-%d-%d", s, fetched.Unix(), i),
			Source:     "gmail",
			Sender:     s,
			Subject:    "Your statement for " + s,
			ReceivedAt: fetched.Add(-time.Minute),
			FetchedAt:  fetched,
		})
	}
	if _, err := store.UpsertMessages(context.Background(), msgs); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestBootstrapBatchesAndSkipsFailures(t *testing.T) {
	store, rs := setup(t)
	t0 := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	var senders []string
	for i := 0; i < 250; i++ {
		kind := "shop"
		if i%5 == 0 {
			kind = "fin"
		}
		senders = append(senders, fmt.Sprintf("u%03d@%s%03d.example", i, kind, i))
	}
	senders = append(senders, "alerts@bank.example", "promo@bank.example")
	seed(t, store, t0, senders...)

	fake := &fakeLLM{failCalls: map[int]bool{2: true}, extra: "hallucinated@fin.example"}
	b := New(store, rs, fake, 24*time.Hour, logging.Discard())
	b.now = func() time.Time { return t0 }

	st, err := b.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if st.Unknown != 250 || st.Batches != 3 || st.FailedBatches != 1 {
		t.Errorf("stats = %+v", st)
	}
	if len(fake.batchSizes) != 2 || fake.batchSizes[0] != 100 || fake.batchSizes[1] != 50 {
		t.Errorf("batch sizes = %v", fake.batchSizes)
	}
	// Batch 1 holds 20 "fin" senders and batch 3 holds 10; batch 2 failed.
	if len(rs.user.RelevantSenders) != 30 {
		t.Errorf("relevant = %d, want 30", len(rs.user.RelevantSenders))
	}
	for _, s := range rs.user.RelevantSenders {
		if s != strings.ToLower(s) || strings.Contains(s, "hallucinated") {
			t.Errorf("unexpected relevant sender %q", s)
		}
	}
	if fake.keywordCalls != 1 {
		t.Errorf("keyword calls = %d", fake.keywordCalls)
	}
	if len(rs.user.SubjectKeywords) != 1 || rs.user.SubjectKeywords[0] != "statement ready" {
		t.Errorf("subject keywords = %v", rs.user.SubjectKeywords)
	}
	if !rs.user.GeneratedAt.Equal(t0) || !rs.user.LastRefreshedAt.Equal(t0) {
		t.Errorf("stamps = %v / %v", rs.user.GeneratedAt, rs.user.LastRefreshedAt)
	}
	if st.TokensUsed != 25 {
		t.Errorf("tokens = %d, want 25", st.TokensUsed)
	}
}

func TestBootstrapKeepsUserIgnores(t *testing.T) {
	store, rs := setup(t)
	t0 := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	seed(t, store, t0, "news@fintech.example", "a@fin.example")
	rs.user = &rules.UserRules{Version: 3, IgnoredSenders: []string{"news@fintech.example"}}

	fake := &fakeLLM{}
	b := New(store, rs, fake, 24*time.Hour, logging.Discard())
	if _, err := b.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if rs.user.Version != 4 {
		t.Errorf("version = %d, want 4", rs.user.Version)
	}
	if len(rs.user.RelevantSenders) != 1 || rs.user.RelevantSenders[0] != "a@fin.example" {
		t.Errorf("relevant = %v", rs.user.RelevantSenders)
	}
	if len(rs.user.IgnoredSenders) != 1 {
		t.Errorf("ignored = %v", rs.user.IgnoredSenders)
	}
}

func TestRefreshOnlyNewSenders(t *testing.T) {
	store, rs := setup(t)
	t0 := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	seed(t, store, t0.Add(-time.Hour), "old@fin-old.example", "x@shop.example")
	seed(t, store, t0.Add(time.Hour), "new@fin-new.example", "y@shop.example", "alerts@bank.example", "known@fin-known.example")
	rs.user = &rules.UserRules{
		Version:         1,
		LastRefreshedAt: t0,
		RelevantSenders: []string{"known@fin-known.example"},
	}

	fake := &fakeLLM{}
	b := New(store, rs, fake, 24*time.Hour, logging.Discard())
	later := t0.Add(48 * time.Hour)
	b.now = func() time.Time { return later }

	st, err := b.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if fake.senderCalls != 1 || len(fake.batchSizes) != 1 || fake.batchSizes[0] != 2 {
		t.Errorf("sender calls = %d, batch sizes = %v; want one call with 2 senders", fake.senderCalls, fake.batchSizes)
	}
	if st.NewRelevant != 1 {
		t.Errorf("new relevant = %d", st.NewRelevant)
	}
	if got := rs.user.PendingReview; len(got) != 1 || got[0] != "new@fin-new.example" {
		t.Errorf("pending = %v", got)
	}
	if len(rs.user.RelevantSenders) != 2 {
		t.Errorf("relevant = %v", rs.user.RelevantSenders)
	}
	if !rs.user.LastRefreshedAt.Equal(later) {
		t.Errorf("last refreshed = %v", rs.user.LastRefreshedAt)
	}
}

func TestRefreshLabelsEverySenderAcrossBatches(t *testing.T) {
	store, rs := setup(t)
	t0 := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	var senders []string
	for i := 0; i < 150; i++ {
		senders = append(senders, fmt.Sprintf("n%03d@fin%03d.example", i, i))
	}
	seed(t, store, t0.Add(time.Hour), senders...)
	rs.user = &rules.UserRules{Version: 1, LastRefreshedAt: t0}

	fake := &fakeLLM{}
	b := New(store, rs, fake, 24*time.Hour, logging.Discard())
	later := t0.Add(48 * time.Hour)
	b.now = func() time.Time { return later }

	st, err := b.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(fake.batchSizes) != 2 || fake.batchSizes[0] != 100 || fake.batchSizes[1] != 50 {
		t.Errorf("batch sizes = %v, want [100 50]", fake.batchSizes)
	}
	if st.Unknown != 150 || st.Batches != 2 || st.NewRelevant != 150 {
		t.Errorf("stats = %+v", st)
	}
	if len(rs.user.RelevantSenders) != 150 || len(rs.user.PendingReview) != 150 {
		t.Errorf("relevant = %d, pending = %d; want 150 each", len(rs.user.RelevantSenders), len(rs.user.PendingReview))
	}

	// The next window only sees mail fetched after the stamp; nothing from
	// the first window is left behind.
	seed(t, store, later.Add(time.Hour), "late@fin-late.example")
	b.now = func() time.Time { return later.Add(48 * time.Hour) }
	st, err = b.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if st.Unknown != 1 || len(fake.batchSizes) != 3 || fake.batchSizes[2] != 1 {
		t.Errorf("second refresh: stats = %+v, batch sizes = %v", st, fake.batchSizes)
	}
	if len(rs.user.RelevantSenders) != 151 {
		t.Errorf("relevant = %d, want 151", len(rs.user.RelevantSenders))
	}
}

func TestRefreshLaterBatchFailureKeepsStamp(t *testing.T) {
	store, rs := setup(t)
	t0 := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	var senders []string
	for i := 0; i < 120; i++ {
		senders = append(senders, fmt.Sprintf("n%03d@fin%03d.example", i, i))
	}
	seed(t, store, t0.Add(time.Hour), senders...)
	rs.user = &rules.UserRules{Version: 1, LastRefreshedAt: t0}

	fake := &fakeLLM{failCalls: map[int]bool{2: true}}
	b := New(store, rs, fake, time.Hour, logging.Discard())
	b.now = func() time.Time { return t0.Add(2 * time.Hour) }
	st, err := b.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected error from failed second batch")
	}
	if st.Batches != 2 || st.FailedBatches != 1 {
		t.Errorf("stats = %+v", st)
	}
	if !rs.user.LastRefreshedAt.Equal(t0) || rs.saves != 0 || len(rs.user.RelevantSenders) != 0 {
		t.Errorf("rules changed after failed refresh: saves = %d, relevant = %d", rs.saves, len(rs.user.RelevantSenders))
	}
}

func TestRefreshRestampsWithNothingNew(t *testing.T) {
	store, rs := setup(t)
	t0 := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	rs.user = &rules.UserRules{Version: 1, LastRefreshedAt: t0}

	fake := &fakeLLM{}
	b := New(store, rs, fake, 24*time.Hour, logging.Discard())
	later := t0.Add(25 * time.Hour)
	b.now = func() time.Time { return later }

	st, err := b.MaybeRefresh(context.Background())
	if err != nil {
		t.Fatalf("MaybeRefresh: %v", err)
	}
	if st == nil || st.Unknown != 0 || fake.senderCalls != 0 {
		t.Errorf("stats = %+v, sender calls = %d", st, fake.senderCalls)
	}
	if !rs.user.LastRefreshedAt.Equal(later) || rs.saves != 1 {
		t.Errorf("last refreshed = %v, saves = %d", rs.user.LastRefreshedAt, rs.saves)
	}

	b.now = func() time.Time { return later.Add(time.Hour) }
	st, err = b.MaybeRefresh(context.Background())
	if err != nil || st != nil {
		t.Errorf("not due: stats = %+v, err = %v", st, err)
	}
}

func TestRefreshFailureKeepsStamp(t *testing.T) {
	store, rs := setup(t)
	t0 := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	seed(t, store, t0.Add(time.Hour), "n@fin.example")
	rs.user = &rules.UserRules{Version: 1, LastRefreshedAt: t0}

	b := New(store, rs, &fakeLLM{failCalls: map[int]bool{1: true}}, time.Hour, logging.Discard())
	b.now = func() time.Time { return t0.Add(2 * time.Hour) }
	_, err := b.Refresh(context.Background())
	var se *llm.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if !rs.user.LastRefreshedAt.Equal(t0) || rs.saves != 0 {
		t.Errorf("rules changed after failed refresh")
	}
}

func TestMalformedOutputIsEmptyResult(t *testing.T) {
	store, rs := setup(t)
	t0 := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	seed(t, store, t0, "a@fin.example")

	b := New(store, rs, &fakeLLM{raw: "I cannot help with that."}, time.Hour, logging.Discard())
	st, err := b.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if st.FailedBatches != 0 || st.NewRelevant != 0 {
		t.Errorf("stats = %+v", st)
	}
	if rs.user == nil {
		t.Fatal("user rules should still be saved")
	}
}
