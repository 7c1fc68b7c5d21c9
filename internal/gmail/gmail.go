// Package gmail fetches inbox messages through the Gmail API.
//
// The first fetch searches the inbox for everything received since the window
// start and records the mailbox history id as the checkpoint. Later fetches
// replay the history from that id, so only newly added messages are read.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/pipeline"
	"github.com/daviddao/finbrief/internal/retry"
	"github.com/daviddao/finbrief/internal/types"
)

// Source is the checkpoint key for Gmail.
const Source = "gmail"

const (
	user     = "me"
	pageSize = 500
	inbox    = "INBOX"
)

// Options tune a Connector.
type Options struct {
	// Delay is slept between per-message detail calls.
	Delay time.Duration
	Retry retry.Policy
}

// Connector implements pipeline.Connector for one Gmail account.
type Connector struct {
	svc   *gm.Service
	opts  Options
	log   *logging.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a connector over an authenticated service.
func New(svc *gm.Service, opts Options, log *logging.Logger) *Connector {
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = retry.Default
	}
	return &Connector{svc: svc, opts: opts, log: log, sleep: sleep}
}

func (c *Connector) Source() string { return Source }

// FetchSince returns the messages added since checkpoint, or every inbox
// message received at or after since when checkpoint is empty. The returned
// checkpoint is the mailbox history id to resume from.
func (c *Connector) FetchSince(ctx context.Context, checkpoint string, since time.Time) ([]*types.Message, string, error) {
	var (
		ids  []string
		next string
		err  error
	)
	if checkpoint == "" {
		ids, next, err = c.search(ctx, since)
	} else {
		ids, next, err = c.history(ctx, checkpoint)
	}
	if err != nil {
		return nil, "", err
	}

	msgs := make([]*types.Message, 0, len(ids))
	for i, id := range ids {
		if i > 0 && c.opts.Delay > 0 {
			if err := c.sleep(ctx, c.opts.Delay); err != nil {
				return nil, "", err
			}
		}
		m, err := c.get(ctx, id)
		if isNotFound(err) {
			// Deleted between listing and reading.
			c.log.Warn("[gmail] message %s disappeared, skipping", id)
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("get message %s: %w", id, err)
		}
		msgs = append(msgs, m)
	}
	c.log.Info("[gmail] fetched %d message(s), checkpoint %s", len(msgs), next)
	return msgs, next, nil
}

// search lists inbox messages received since the given time. The history id
// is read first so nothing arriving during the listing is missed next time.
func (c *Connector) search(ctx context.Context, since time.Time) ([]string, string, error) {
	var profile *gm.Profile
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		profile, err = c.svc.Users.GetProfile(user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("get profile: %w", err)
	}

	q := fmt.Sprintf("in:inbox after:%d", since.Unix())
	var ids []string
	pageToken := ""
	for {
		var resp *gm.ListMessagesResponse
		err := c.do(ctx, func(ctx context.Context) error {
			call := c.svc.Users.Messages.List(user).Q(q).MaxResults(pageSize).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return nil, "", fmt.Errorf("list messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, strconv.FormatUint(profile.HistoryId, 10), nil
}

// history replays inbox additions after the checkpoint history id.
func (c *Connector) history(ctx context.Context, checkpoint string) ([]string, string, error) {
	start, err := strconv.ParseUint(checkpoint, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("%w: malformed history id %q", pipeline.ErrCheckpointExpired, checkpoint)
	}

	var ids []string
	seen := make(map[string]bool)
	latest := start
	pageToken := ""
	for {
		var resp *gm.ListHistoryResponse
		err := c.do(ctx, func(ctx context.Context) error {
			call := c.svc.Users.History.List(user).
				StartHistoryId(start).
				HistoryTypes("messageAdded").
				LabelId(inbox).
				MaxResults(pageSize).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return err
		})
		if isNotFound(err) {
			return nil, "", fmt.Errorf("%w: history id %d is no longer available", pipeline.ErrCheckpointExpired, start)
		}
		if err != nil {
			return nil, "", fmt.Errorf("list history: %w", err)
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				ids = append(ids, added.Message.Id)
			}
		}
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, strconv.FormatUint(latest, 10), nil
}

func (c *Connector) get(ctx context.Context, id string) (*types.Message, error) {
	var msg *gm.Message
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		msg, err = c.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return convert(msg), nil
}

func (c *Connector) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.opts.Retry, fn, retryable)
}

// retryable treats rate limiting and server errors as transient.
func retryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500
	}
	return retry.Retryable(err)
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// convert maps an API message to the stored form.
func convert(msg *gm.Message) *types.Message {
	m := &types.Message{
		ID:         msg.Id,
		Source:     Source,
		ThreadID:   msg.ThreadId,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
		Labels:     msg.LabelIds,
	}
	if msg.Payload == nil {
		m.Subject = "(no subject)"
		m.Body = msg.Snippet
		return m
	}
	headers := headerMap(msg.Payload.Headers)
	m.SenderName, m.Sender = parseFrom(headers["from"])
	m.Subject = headers["subject"]
	if m.Subject == "" {
		m.Subject = "(no subject)"
	}
	m.Body = extractBody(msg.Payload)
	if m.Body == "" {
		m.Body = msg.Snippet
	}
	return m
}

// parseFrom splits a From header into display name and lowercase address.
func parseFrom(from string) (name, addr string) {
	if from == "" {
		return "", ""
	}
	a, err := mail.ParseAddress(from)
	if err != nil {
		s := strings.TrimSpace(from)
		if i := strings.LastIndex(s, "<"); i >= 0 {
			name = strings.Trim(strings.TrimSpace(s[:i]), `"`)
			s = strings.TrimSuffix(s[i+1:], ">")
		}
		return name, strings.ToLower(strings.TrimSpace(s))
	}
	return a.Name, strings.ToLower(a.Address)
}

// extractBody returns the text/plain part, or the text/html part with tags
// stripped when no plain part exists.
func extractBody(payload *gm.MessagePart) string {
	if text := findPart(payload, "text/plain"); text != "" {
		return text
	}
	if html := findPart(payload, "text/html"); html != "" {
		return stripHTML(html)
	}
	return ""
}

func findPart(p *gm.MessagePart, mimeType string) string {
	if p == nil {
		return ""
	}
	if p.Filename == "" && strings.HasPrefix(p.MimeType, mimeType) && p.Body != nil && p.Body.Data != "" {
		if s, err := decodeBase64URL(p.Body.Data); err == nil {
			return s
		}
	}
	for _, part := range p.Parts {
		if s := findPart(part, mimeType); s != "" {
			return s
		}
	}
	return ""
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`<[^>]*>`)
	entities = strings.NewReplacer("&nbsp;", " ", "&lt;", "<", "&gt;", ">", "&amp;", "&", "&quot;", `"`, "&#39;", "'")
)

func stripHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = entities.Replace(s)
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// headerMap keys headers by lowercase name.
func headerMap(headers []*gm.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		k := strings.ToLower(h.Name)
		if _, ok := m[k]; !ok {
			m[k] = h.Value
		}
	}
	return m
}

// decodeBase64URL accepts Gmail's URL-safe base64 with or without padding.
func decodeBase64URL(data string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
