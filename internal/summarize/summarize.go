// Package summarize turns a window of relevant messages into a digest and
// extracts action items from the generated text.
package summarize

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/daviddao/finbrief/internal/llm"
	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/types"
)

// Defaults for Options.
const (
	DefaultThreshold = 12000
	DefaultChunkSize = 25
	bodyExcerptLen   = 800
	charsPerToken    = 4
)

// Store persists a digest and its action items together.
type Store interface {
	InsertDigest(ctx context.Context, d *types.Digest, items []*types.ActionItem) error
}

// Options size the inference calls.
type Options struct {
	// Threshold is the estimated token count above which messages are
	// summarized in chunks and then consolidated.
	Threshold int
	ChunkSize int
}

// Result is a persisted digest.
type Result struct {
	Digest  *types.Digest
	Actions []*types.ActionItem
	Calls   int
}

// Summarizer generates and stores digests.
type Summarizer struct {
	llm   llm.Caller
	store Store
	opts  Options
	log   *logging.Logger
	now   func() time.Time
}

// New returns a summarizer.
func New(caller llm.Caller, store Store, opts Options, log *logging.Logger) *Summarizer {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Summarizer{llm: caller, store: store, opts: opts, log: log, now: time.Now}
}

// EstimateTokens approximates the prompt size of msgs.
func EstimateTokens(msgs []*types.ClassifiedMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(formatMessage(m))
	}
	return n / charsPerToken
}

// Generate summarizes msgs for [start, end), extracts action items and
// persists both. Inputs over the size threshold are summarized chunk by
// chunk and the partial summaries consolidated in one final call.
func (s *Summarizer) Generate(ctx context.Context, msgs []*types.ClassifiedMessage, start, end time.Time) (*Result, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no messages to summarize")
	}
	res := &Result{}
	digest := &types.Digest{
		PeriodStart:  start,
		PeriodEnd:    end,
		MessageCount: len(msgs),
	}

	var text string
	estimate := EstimateTokens(msgs)
	if estimate <= s.opts.Threshold {
		resp, err := s.call(ctx, digestPrompt(groupByCategory(msgs), start, end))
		if err != nil {
			return nil, fmt.Errorf("generate digest: %w", err)
		}
		res.Calls++
		text = resp.Text
		digest.Model = resp.Model
		digest.TokensUsed += resp.TokensUsed
	} else {
		chunks := chunk(msgs, s.opts.ChunkSize)
		s.log.Info("[summarize] ~%d tokens over threshold %d, summarizing %d chunks", estimate, s.opts.Threshold, len(chunks))
		partials := make([]string, 0, len(chunks))
		for i, c := range chunks {
			resp, err := s.call(ctx, chunkPrompt(groupByCategory(c), i+1, len(chunks)))
			if err != nil {
				return nil, fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
			}
			res.Calls++
			digest.TokensUsed += resp.TokensUsed
			partials = append(partials, strings.TrimSpace(resp.Text))
		}
		resp, err := s.call(ctx, consolidatePrompt(partials, start, end))
		if err != nil {
			return nil, fmt.Errorf("consolidate digest: %w", err)
		}
		res.Calls++
		text = resp.Text
		digest.Model = resp.Model
		digest.TokensUsed += resp.TokensUsed
	}

	now := s.now().UTC()
	digest.Content = strings.TrimSpace(text)
	digest.GeneratedAt = now

	for _, a := range ParseActions(digest.Content, now) {
		res.Actions = append(res.Actions, &types.ActionItem{
			Description: a.Description,
			DueDate:     a.DueDate,
			Priority:    a.Priority,
			Status:      types.ActionPending,
			CreatedAt:   now,
		})
	}

	if err := s.store.InsertDigest(ctx, digest, res.Actions); err != nil {
		return nil, fmt.Errorf("store digest: %w", err)
	}
	res.Digest = digest
	s.log.Info("[summarize] digest %s: %d messages, %d action items, %d tokens",
		digest.ID, digest.MessageCount, len(res.Actions), digest.TokensUsed)
	return res, nil
}

func (s *Summarizer) call(ctx context.Context, prompt string) (*llm.Response, error) {
	return s.llm.Call(ctx, prompt, llm.Options{
		Temperature:  0.3,
		MaxTokens:    2048,
		SystemPrompt: systemPrompt,
	})
}

type categoryGroup struct {
	Name     string
	Messages []*types.ClassifiedMessage
}

// groupByCategory groups messages by category name in alphabetical order,
// keeping received order inside each group.
func groupByCategory(msgs []*types.ClassifiedMessage) []categoryGroup {
	idx := make(map[string]int)
	var groups []categoryGroup
	for _, m := range msgs {
		cat := types.DefaultCategory
		if m.Classification != nil && m.Classification.Category != "" {
			cat = m.Classification.Category
		}
		i, ok := idx[cat]
		if !ok {
			i = len(groups)
			idx[cat] = i
			groups = append(groups, categoryGroup{Name: cat})
		}
		groups[i].Messages = append(groups[i].Messages, m)
	}
	sort.SliceStable(groups, func(a, b int) bool { return groups[a].Name < groups[b].Name })
	return groups
}

func chunk(msgs []*types.ClassifiedMessage, size int) [][]*types.ClassifiedMessage {
	var out [][]*types.ClassifiedMessage
	for start := 0; start < len(msgs); start += size {
		out = append(out, msgs[start:min(start+size, len(msgs))])
	}
	return out
}
