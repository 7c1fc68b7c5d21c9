// Package classify decides whether a message is financially relevant.
//
// Tiers are evaluated in a fixed order and the first match wins:
//
//  1. ignored sender      not relevant, 1.0, rule:ignore
//  2. relevant sender     relevant,     1.0, rule:sender
//  3. subject keyword     relevant,     0.85, rule:subject
//  4. >=2 body keywords   relevant,     0.70, rule:body
//  5. nothing             not relevant, 0.80, rule:none
//
// Ignore rules sit above every keyword tier so that promotional mail from a
// financial domain stays out of the digest.
package classify

import (
	"strings"
	"time"

	"github.com/daviddao/finbrief/internal/rules"
	"github.com/daviddao/finbrief/internal/types"
)

const (
	// BodyScanLimit is how many characters of the body are searched.
	BodyScanLimit = 1500
	// MinBodyHits is the number of distinct body keywords required.
	MinBodyHits = 2
)

// Confidence per tier.
const (
	ConfidenceIgnore  = 1.0
	ConfidenceSender  = 1.0
	ConfidenceSubject = 0.85
	ConfidenceBody    = 0.70
	ConfidenceNone    = 0.80
)

// Classifier applies merged rules to messages. It holds no mutable state.
type Classifier struct {
	rules *rules.Merged
	now   func() time.Time
}

// New returns a classifier over m.
func New(m *rules.Merged) *Classifier {
	return &Classifier{rules: m, now: time.Now}
}

// Classify returns the decision for msg. It does not consult storage.
func (c *Classifier) Classify(msg *types.Message) *types.Classification {
	out := &types.Classification{MessageID: msg.ID, DecidedAt: c.now().UTC()}
	sender := rules.NormalizeAddress(msg.Sender)

	switch {
	case c.rules.IsIgnored(sender):
		out.Confidence = ConfidenceIgnore
		out.DecidedBy = types.DecidedByIgnore
		return out
	case c.rules.IsRelevantSender(sender):
		out.Confidence = ConfidenceSender
		out.DecidedBy = types.DecidedBySender
	case containsAny(strings.ToLower(msg.Subject), c.rules.SubjectKeywords):
		out.Confidence = ConfidenceSubject
		out.DecidedBy = types.DecidedBySubject
	case countHits(bodyPrefix(msg.Body), c.rules.BodyKeywords) >= MinBodyHits:
		out.Confidence = ConfidenceBody
		out.DecidedBy = types.DecidedByBody
	default:
		out.Confidence = ConfidenceNone
		out.DecidedBy = types.DecidedByNone
		return out
	}

	out.Relevant = true
	out.Category = c.rules.CategoryFor(sender, msg.Subject)
	if out.Category == "" {
		out.Category = types.DefaultCategory
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// countHits counts distinct keywords present in s. Keywords are already
// lowercased and deduplicated by rules.Merge.
func countHits(s string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if k != "" && strings.Contains(s, k) {
			n++
		}
	}
	return n
}

func bodyPrefix(body string) string {
	r := []rune(body)
	if len(r) > BodyScanLimit {
		r = r[:BodyScanLimit]
	}
	return strings.ToLower(string(r))
}
