// Package imap fetches messages from an IMAP mailbox.
//
// The checkpoint is "uidvalidity:lastuid". A changed UIDVALIDITY invalidates
// every stored uid, so the connector reports the checkpoint as expired and the
// pipeline falls back to a date search.
package imap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/pipeline"
	"github.com/daviddao/finbrief/internal/types"

	// Registers decoders for non-UTF-8 charsets.
	_ "github.com/emersion/go-message/charset"
)

// Source is the checkpoint key for IMAP.
const Source = "imap"

// Config locates the mailbox.
type Config struct {
	Addr     string
	User     string
	Password string
	Mailbox  string
	Timeout  time.Duration
}

// rawMessage is one fetched message before parsing.
type rawMessage struct {
	UID          uint32
	InternalDate time.Time
	Literal      []byte
}

// session is the subset of an IMAP session the connector uses.
type session interface {
	// Select opens the mailbox read-only and returns its UIDVALIDITY.
	Select(mailbox string) (uint32, error)
	SearchSince(t time.Time) ([]uint32, error)
	// SearchAfter returns uids strictly greater than uid.
	SearchAfter(uid uint32) ([]uint32, error)
	Fetch(uids []uint32) ([]rawMessage, error)
	Logout() error
}

// Connector implements pipeline.Connector for an IMAP mailbox.
type Connector struct {
	cfg  Config
	log  *logging.Logger
	dial func(ctx context.Context, cfg Config) (session, error)
}

// New returns a connector that dials cfg over TLS on every fetch.
func New(cfg Config, log *logging.Logger) *Connector {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Connector{cfg: cfg, log: log, dial: dialTLS}
}

func (c *Connector) Source() string { return Source }

// FetchSince returns messages after the checkpoint uid, or every message
// received at or after since when checkpoint is empty.
func (c *Connector) FetchSince(ctx context.Context, checkpoint string, since time.Time) ([]*types.Message, string, error) {
	var (
		validity uint32
		lastUID  uint32
	)
	if checkpoint != "" {
		var err error
		validity, lastUID, err = parseCheckpoint(checkpoint)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", pipeline.ErrCheckpointExpired, err)
		}
	}

	s, err := c.dial(ctx, c.cfg)
	if err != nil {
		return nil, "", fmt.Errorf("connect to %s: %w", c.cfg.Addr, err)
	}
	defer func() {
		if err := s.Logout(); err != nil {
			c.log.Warn("[imap] logout: %v", err)
		}
	}()

	current, err := s.Select(c.cfg.Mailbox)
	if err != nil {
		return nil, "", fmt.Errorf("select %s: %w", c.cfg.Mailbox, err)
	}
	if checkpoint != "" && current != validity {
		return nil, "", fmt.Errorf("%w: uidvalidity changed from %d to %d", pipeline.ErrCheckpointExpired, validity, current)
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	var uids []uint32
	if checkpoint == "" {
		uids, err = s.SearchSince(since)
	} else {
		uids, err = s.SearchAfter(lastUID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("search %s: %w", c.cfg.Mailbox, err)
	}
	next := lastUID
	for _, u := range uids {
		if u > next {
			next = u
		}
	}
	token := formatCheckpoint(current, next)
	if len(uids) == 0 {
		return nil, token, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	raws, err := s.Fetch(uids)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %d message(s): %w", len(uids), err)
	}
	msgs := make([]*types.Message, 0, len(raws))
	for _, raw := range raws {
		// SEARCH SINCE has day granularity.
		if checkpoint == "" && raw.InternalDate.Before(since) {
			continue
		}
		m, err := parseMessage(raw, current)
		if err != nil {
			c.log.Warn("[imap] skipping uid %d: %v", raw.UID, err)
			continue
		}
		msgs = append(msgs, m)
	}
	c.log.Info("[imap] fetched %d message(s) from %s, checkpoint %s", len(msgs), c.cfg.Mailbox, token)
	return msgs, token, nil
}

func parseCheckpoint(s string) (validity, uid uint32, err error) {
	v, u, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed checkpoint %q", s)
	}
	vv, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed uidvalidity in %q", s)
	}
	uu, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed uid in %q", s)
	}
	return uint32(vv), uint32(uu), nil
}

func formatCheckpoint(validity, uid uint32) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

// parseMessage reads headers and the first text body of an RFC 5322 message.
func parseMessage(raw rawMessage, validity uint32) (*types.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw.Literal))
	if err != nil {
		return nil, err
	}
	defer mr.Close()

	m := &types.Message{
		ID:         fmt.Sprintf("imap-%d-%d", validity, raw.UID),
		Source:     Source,
		ReceivedAt: raw.InternalDate.UTC(),
	}
	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		m.ID = id
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		m.SenderName = from[0].Name
		m.Sender = strings.ToLower(from[0].Address)
	}
	if m.Subject, err = mr.Header.Subject(); err != nil || m.Subject == "" {
		m.Subject = "(no subject)"
	}
	if m.ReceivedAt.IsZero() {
		if d, err := mr.Header.Date(); err == nil {
			m.ReceivedAt = d.UTC()
		}
	}
	if refs, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(refs) > 0 {
		m.ThreadID = refs[0]
	}

	var html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if m.Body == "" && html == "" {
				return nil, err
			}
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		switch {
		case ct == "text/plain" && m.Body == "":
			m.Body = strings.TrimSpace(string(b))
		case ct == "text/html" && html == "":
			html = string(b)
		}
	}
	if m.Body == "" && html != "" {
		m.Body = stripTags(html)
	}
	return m, nil
}

func stripTags(s string) string {
	var b strings.Builder
	in := false
	for _, r := range s {
		switch {
		case r == '<':
			in = true
			b.WriteRune(' ')
		case r == '>':
			in = false
		case !in:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
