// Package organic grows the user rule set from the user's own mail history,
// using batched inference calls to label unknown senders and to extract
// keyword phrases from the subjects of known financial senders.
package organic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/daviddao/finbrief/internal/db"
	"github.com/daviddao/finbrief/internal/llm"
	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/rules"
	"github.com/tidwall/gjson"
)

const (
	// SenderBatchSize caps the senders sent in one labeling call.
	SenderBatchSize = 100
	// SubjectSampleSize caps the subjects sent for keyword extraction.
	SubjectSampleSize = 200

	minKeywordLen = 3
	maxKeywordLen = 60
)

// Store is the message history the builder reads.
type Store interface {
	DistinctSenders(ctx context.Context) ([]string, error)
	SendersFetchedSince(ctx context.Context, since time.Time) ([]string, error)
	SenderSubjects(ctx context.Context) ([]db.SenderSubject, error)
}

// Stats describes one build or refresh.
type Stats struct {
	Mode            string `json:"mode"`
	Senders         int    `json:"senders"`
	Unknown         int    `json:"unknown"`
	Batches         int    `json:"batches"`
	FailedBatches   int    `json:"failed_batches"`
	NewRelevant     int    `json:"new_relevant"`
	SubjectKeywords int    `json:"subject_keywords"`
	BodyKeywords    int    `json:"body_keywords"`
	TokensUsed      int    `json:"tokens_used"`
}

// Builder owns all writes to the user rule set.
type Builder struct {
	store    Store
	rules    rules.Store
	llm      llm.Caller
	log      *logging.Logger
	interval time.Duration
	now      func() time.Time
}

// New returns a builder. interval debounces periodic refresh.
func New(store Store, rs rules.Store, caller llm.Caller, interval time.Duration, log *logging.Logger) *Builder {
	return &Builder{
		store:    store,
		rules:    rs,
		llm:      caller,
		log:      log,
		interval: interval,
		now:      time.Now,
	}
}

// Bootstrap builds the user rule set from the full sender history. A failed
// batch or extraction call is logged and skipped. Senders the user has
// explicitly ignored are kept.
func (b *Builder) Bootstrap(ctx context.Context) (*Stats, error) {
	st := &Stats{Mode: "bootstrap"}
	baseline, err := b.rules.Baseline()
	if err != nil {
		return st, err
	}
	prev, err := b.rules.User()
	if err != nil {
		return st, err
	}
	var kept []string
	version := 1
	if prev != nil {
		kept = prev.IgnoredSenders
		version = prev.Version + 1
	}
	known := rules.Merge(baseline, &rules.UserRules{IgnoredSenders: kept})

	senders, err := b.store.DistinctSenders(ctx)
	if err != nil {
		return st, fmt.Errorf("list senders: %w", err)
	}
	st.Senders = len(senders)

	var unknown []string
	for _, s := range senders {
		if !known.Knows(s) {
			unknown = append(unknown, s)
		}
	}
	st.Unknown = len(unknown)

	var discovered []string
	for start := 0; start < len(unknown); start += SenderBatchSize {
		end := min(start+SenderBatchSize, len(unknown))
		st.Batches++
		relevant, tokens, err := b.labelSenders(ctx, unknown[start:end])
		st.TokensUsed += tokens
		if err != nil {
			st.FailedBatches++
			b.log.Warn("[organic] sender batch %d (%d senders) failed: %v", st.Batches, end-start, err)
			continue
		}
		discovered = append(discovered, relevant...)
	}

	user := &rules.UserRules{
		Version:         version,
		RelevantSenders: discovered,
		IgnoredSenders:  kept,
	}
	user.Normalize()
	st.NewRelevant = len(user.RelevantSenders)

	merged := rules.Merge(baseline, user)
	subjects, err := b.sampleSubjects(ctx, merged)
	if err != nil {
		return st, err
	}
	if len(subjects) > 0 {
		subj, body, tokens, err := b.extractKeywords(ctx, subjects)
		st.TokensUsed += tokens
		if err != nil {
			b.log.Warn("[organic] keyword extraction failed: %v", err)
		} else {
			user.SubjectKeywords = subj
			user.BodyKeywords = body
		}
	}

	now := b.now().UTC()
	user.GeneratedAt = now
	user.LastRefreshedAt = now
	if err := b.rules.SaveUser(user); err != nil {
		return st, fmt.Errorf("save user rules: %w", err)
	}
	st.SubjectKeywords = len(user.SubjectKeywords)
	st.BodyKeywords = len(user.BodyKeywords)
	b.log.Info("[organic] bootstrap: %d senders, %d unknown, %d new relevant, %d/%d keywords, %d tokens",
		st.Senders, st.Unknown, st.NewRelevant, st.SubjectKeywords, st.BodyKeywords, st.TokensUsed)
	return st, nil
}

// Refresh labels only the senders first seen since the last refresh and not
// covered by any rule, in batches of SenderBatchSize. New relevant senders go
// to both the relevant and the pending-review lists. The refresh time is re-stamped even when nothing new
// was found.
func (b *Builder) Refresh(ctx context.Context) (*Stats, error) {
	user, err := b.rules.User()
	if err != nil {
		return &Stats{Mode: "refresh"}, err
	}
	if user == nil {
		return b.Bootstrap(ctx)
	}
	st := &Stats{Mode: "refresh"}
	baseline, err := b.rules.Baseline()
	if err != nil {
		return st, err
	}
	merged := rules.Merge(baseline, user)

	recent, err := b.store.SendersFetchedSince(ctx, user.LastRefreshedAt)
	if err != nil {
		return st, fmt.Errorf("list recent senders: %w", err)
	}
	st.Senders = len(recent)

	var delta []string
	for _, s := range recent {
		if !merged.Knows(s) {
			delta = append(delta, s)
		}
	}
	st.Unknown = len(delta)

	// The stamp only moves once every new sender has been labeled, so a
	// failed batch leaves the whole window to the next refresh.
	var relevant []string
	for start := 0; start < len(delta); start += SenderBatchSize {
		batch := delta[start:min(start+SenderBatchSize, len(delta))]
		st.Batches++
		found, tokens, err := b.labelSenders(ctx, batch)
		st.TokensUsed += tokens
		if err != nil {
			st.FailedBatches++
			return st, fmt.Errorf("label new senders (batch %d): %w", st.Batches, err)
		}
		relevant = append(relevant, found...)
	}
	if len(relevant) > 0 {
		before := len(user.RelevantSenders)
		user.RelevantSenders = append(user.RelevantSenders, relevant...)
		user.PendingReview = append(user.PendingReview, relevant...)
		user.Normalize()
		st.NewRelevant = len(user.RelevantSenders) - before
	}

	user.LastRefreshedAt = b.now().UTC()
	if err := b.rules.SaveUser(user); err != nil {
		return st, fmt.Errorf("save user rules: %w", err)
	}
	b.log.Info("[organic] refresh: %d recent senders, %d new, %d relevant, %d tokens",
		st.Senders, st.Unknown, st.NewRelevant, st.TokensUsed)
	return st, nil
}

// Due reports whether a refresh (or first build) should run now.
func (b *Builder) Due() (bool, error) {
	user, err := b.rules.User()
	if err != nil {
		return false, err
	}
	if user == nil {
		return true, nil
	}
	return b.now().Sub(user.LastRefreshedAt) >= b.interval, nil
}

// MaybeRefresh runs Refresh when it is due. It returns nil stats when the
// refresh was not due.
func (b *Builder) MaybeRefresh(ctx context.Context) (*Stats, error) {
	due, err := b.Due()
	if err != nil || !due {
		return nil, err
	}
	return b.Refresh(ctx)
}

func (b *Builder) sampleSubjects(ctx context.Context, m *rules.Merged) ([]string, error) {
	pairs, err := b.store.SenderSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range pairs {
		if len(out) >= SubjectSampleSize {
			break
		}
		subj := strings.TrimSpace(p.Subject)
		if subj == "" || seen[strings.ToLower(subj)] || !m.IsRelevantSender(p.Sender) || m.IsIgnored(p.Sender) {
			continue
		}
		seen[strings.ToLower(subj)] = true
		out = append(out, subj)
	}
	return out, nil
}

// labelSenders asks the model to split senders three ways and returns the
// relevant ones. Malformed output yields no senders and no error.
func (b *Builder) labelSenders(ctx context.Context, senders []string) ([]string, int, error) {
	resp, err := b.llm.Call(ctx, senderPrompt(senders), llm.Options{
		Format:       llm.FormatJSON,
		Temperature:  0.1,
		SystemPrompt: senderSystemPrompt,
	})
	if err != nil {
		return nil, 0, err
	}
	raw := llm.ExtractJSON(resp.Text)
	if raw == "" || !gjson.Valid(raw) {
		b.log.Warn("[organic] unparseable sender labels, treating batch as empty")
		return nil, resp.TokensUsed, nil
	}

	asked := make(map[string]bool, len(senders))
	for _, s := range senders {
		asked[rules.NormalizeAddress(s)] = true
	}
	var relevant []string
	for _, v := range gjson.Get(raw, "relevant").Array() {
		addr := rules.NormalizeAddress(v.String())
		if asked[addr] {
			relevant = append(relevant, addr)
		}
	}
	return relevant, resp.TokensUsed, nil
}

func (b *Builder) extractKeywords(ctx context.Context, subjects []string) ([]string, []string, int, error) {
	resp, err := b.llm.Call(ctx, keywordPrompt(subjects), llm.Options{
		Format:       llm.FormatJSON,
		Temperature:  0.2,
		SystemPrompt: keywordSystemPrompt,
	})
	if err != nil {
		return nil, nil, 0, err
	}
	raw := llm.ExtractJSON(resp.Text)
	if raw == "" || !gjson.Valid(raw) {
		b.log.Warn("[organic] unparseable keyword output, keeping none")
		return nil, nil, resp.TokensUsed, nil
	}
	r := gjson.Parse(raw)
	return keywords(r.Get("subject_keywords")), keywords(r.Get("body_keywords")), resp.TokensUsed, nil
}

func keywords(v gjson.Result) []string {
	var out []string
	for _, k := range v.Array() {
		s := strings.ToLower(strings.Join(strings.Fields(k.String()), " "))
		if len(s) >= minKeywordLen && len(s) <= maxKeywordLen {
			out = append(out, s)
		}
	}
	return out
}
