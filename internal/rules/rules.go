// Package rules holds the layered sender/keyword rule sets used to decide
// whether a message is financially relevant.
//
// Two sources are combined at call time: the baseline (shipped with the
// binary, optionally overridden on disk) and the user set grown from the
// user's own mail history. Neither is mutated by merging.
package rules

import (
	"net/mail"
	"strings"
	"time"
)

// Category maps a category name to the hint substrings that select it.
type Category struct {
	Name  string   `json:"name"`
	Hints []string `json:"hints"`
}

// Baseline is the read-only rule set shipped out of band.
type Baseline struct {
	Version         string     `json:"version"`
	RelevantSenders []string   `json:"relevant_senders"`
	IgnoredSenders  []string   `json:"ignored_senders"`
	SubjectKeywords []string   `json:"subject_keywords"`
	BodyKeywords    []string   `json:"body_keywords"`
	Categories      []Category `json:"categories"`
}

// UserRules is the rule set grown from observed mail.
type UserRules struct {
	Version         int       `json:"version"`
	GeneratedAt     time.Time `json:"generated_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	RelevantSenders []string  `json:"relevant_senders"`
	IgnoredSenders  []string  `json:"ignored_senders"`
	PendingReview   []string  `json:"pending_review"`
	SubjectKeywords []string  `json:"subject_keywords"`
	BodyKeywords    []string  `json:"body_keywords"`
}

// Normalize lowercases and deduplicates every list in place.
func (u *UserRules) Normalize() {
	u.RelevantSenders = dedupe(u.RelevantSenders, NormalizeAddress)
	u.IgnoredSenders = dedupe(u.IgnoredSenders, NormalizeAddress)
	u.PendingReview = dedupe(u.PendingReview, NormalizeAddress)
	u.SubjectKeywords = dedupe(u.SubjectKeywords, normalizeKeyword)
	u.BodyKeywords = dedupe(u.BodyKeywords, normalizeKeyword)
}

// Approve confirms a pending-review sender. It stays relevant.
// Reports whether the sender was pending.
func (u *UserRules) Approve(addr string) bool {
	addr = NormalizeAddress(addr)
	before := len(u.PendingReview)
	u.PendingReview = remove(u.PendingReview, addr)
	return len(u.PendingReview) < before
}

// Ignore moves a sender to the ignored list, dropping it from the relevant
// and pending-review lists.
func (u *UserRules) Ignore(addr string) {
	addr = NormalizeAddress(addr)
	u.RelevantSenders = remove(u.RelevantSenders, addr)
	u.PendingReview = remove(u.PendingReview, addr)
	u.IgnoredSenders = dedupe(append(u.IgnoredSenders, addr), NormalizeAddress)
}

// Merged is the read-only union of baseline and user rules, lowercased.
type Merged struct {
	RelevantSenders []string
	IgnoredSenders  []string
	SubjectKeywords []string
	BodyKeywords    []string
	Categories      []Category
}

// Merge combines baseline and user rules. user may be nil.
func Merge(b *Baseline, u *UserRules) *Merged {
	m := &Merged{}
	if b != nil {
		m.RelevantSenders = append(m.RelevantSenders, b.RelevantSenders...)
		m.IgnoredSenders = append(m.IgnoredSenders, b.IgnoredSenders...)
		m.SubjectKeywords = append(m.SubjectKeywords, b.SubjectKeywords...)
		m.BodyKeywords = append(m.BodyKeywords, b.BodyKeywords...)
		for _, c := range b.Categories {
			m.Categories = append(m.Categories, Category{
				Name:  strings.ToLower(strings.TrimSpace(c.Name)),
				Hints: dedupe(c.Hints, normalizeKeyword),
			})
		}
	}
	if u != nil {
		m.RelevantSenders = append(m.RelevantSenders, u.RelevantSenders...)
		m.IgnoredSenders = append(m.IgnoredSenders, u.IgnoredSenders...)
		m.SubjectKeywords = append(m.SubjectKeywords, u.SubjectKeywords...)
		m.BodyKeywords = append(m.BodyKeywords, u.BodyKeywords...)
	}
	m.RelevantSenders = dedupe(m.RelevantSenders, NormalizeAddress)
	m.IgnoredSenders = dedupe(m.IgnoredSenders, NormalizeAddress)
	m.SubjectKeywords = dedupe(m.SubjectKeywords, normalizeKeyword)
	m.BodyKeywords = dedupe(m.BodyKeywords, normalizeKeyword)
	return m
}

// IsIgnored reports whether addr matches any ignored-sender pattern.
func (m *Merged) IsIgnored(addr string) bool {
	return matchAny(m.IgnoredSenders, addr)
}

// IsRelevantSender reports whether addr matches any relevant-sender pattern.
func (m *Merged) IsRelevantSender(addr string) bool {
	return matchAny(m.RelevantSenders, addr)
}

// Knows reports whether addr is already covered by either sender list.
func (m *Merged) Knows(addr string) bool {
	return m.IsIgnored(addr) || m.IsRelevantSender(addr)
}

// CategoryFor returns the first category with a hint contained in sender or
// subject, or "" when none match.
func (m *Merged) CategoryFor(sender, subject string) string {
	sender = strings.ToLower(sender)
	subject = strings.ToLower(subject)
	for _, c := range m.Categories {
		for _, h := range c.Hints {
			if h == "" {
				continue
			}
			if strings.Contains(sender, h) || strings.Contains(subject, h) {
				return c.Name
			}
		}
	}
	return ""
}

func matchAny(patterns []string, addr string) bool {
	addr = NormalizeAddress(addr)
	for _, p := range patterns {
		if MatchSender(p, addr) {
			return true
		}
	}
	return false
}

// MatchSender reports whether addr matches pattern, case-insensitively.
// A pattern is either an exact address or a leading "*" followed by a
// suffix, e.g. "*@bank.example". The address must have a non-empty part
// before the suffix.
func MatchSender(pattern, addr string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	addr = strings.ToLower(strings.TrimSpace(addr))
	if pattern == "" || addr == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
		if suffix == "" {
			return false
		}
		return len(addr) > len(suffix) && strings.HasSuffix(addr, suffix)
	}
	return pattern == addr
}

// NormalizeAddress reduces a From header or bare address to a lowercase
// address. Wildcard patterns pass through lowercased.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "*") {
		return strings.ToLower(s)
	}
	if a, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(a.Address)
	}
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			s = s[i+1 : i+j]
		}
	}
	return strings.ToLower(strings.Trim(s, " \"'"))
}

func normalizeKeyword(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func dedupe(items []string, norm func(string) string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		n := norm(it)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func remove(items []string, target string) []string {
	out := items[:0]
	for _, it := range items {
		if NormalizeAddress(it) != target {
			out = append(out, it)
		}
	}
	return out
}
