package imap

import (
	"context"
	"io"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// tlsSession wraps a go-imap client.
type tlsSession struct {
	c *client.Client
}

func dialTLS(ctx context.Context, cfg Config) (session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := client.DialTLS(cfg.Addr, nil)
	if err != nil {
		return nil, err
	}
	c.Timeout = cfg.Timeout
	if err := c.Login(cfg.User, cfg.Password); err != nil {
		c.Logout()
		return nil, err
	}
	return &tlsSession{c: c}, nil
}

func (s *tlsSession) Select(mailbox string) (uint32, error) {
	st, err := s.c.Select(mailbox, true)
	if err != nil {
		return 0, err
	}
	return st.UidValidity, nil
}

func (s *tlsSession) SearchSince(t time.Time) ([]uint32, error) {
	crit := goimap.NewSearchCriteria()
	crit.Since = t
	return s.c.UidSearch(crit)
}

func (s *tlsSession) SearchAfter(uid uint32) ([]uint32, error) {
	crit := goimap.NewSearchCriteria()
	crit.Uid = new(goimap.SeqSet)
	crit.Uid.AddRange(uid+1, 0)
	uids, err := s.c.UidSearch(crit)
	if err != nil {
		return nil, err
	}
	// "n:*" always matches the highest uid, even when it is below n.
	out := uids[:0]
	for _, u := range uids {
		if u > uid {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *tlsSession) Fetch(uids []uint32) ([]rawMessage, error) {
	set := new(goimap.SeqSet)
	set.AddNum(uids...)
	section := &goimap.BodySectionName{Peek: true}
	items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *goimap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(set, items, ch)
	}()

	var out []rawMessage
	for msg := range ch {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		b, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		out = append(out, rawMessage{UID: msg.Uid, InternalDate: msg.InternalDate, Literal: b})
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *tlsSession) Logout() error {
	return s.c.Logout()
}
