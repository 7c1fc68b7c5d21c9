package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/finbrief/internal/types"
)

// FetchResult counts one fetch.
type FetchResult struct {
	Source      string `json:"source"`
	Incremental bool   `json:"incremental"`
	Fetched     int    `json:"fetched"`
	New         int    `json:"new"`
}

// FetchNew pulls messages from the connector into the store and advances
// the source's checkpoint. With a checkpoint the fetch is incremental; an
// expired or missing checkpoint falls back to every message received since.
func (o *Orchestrator) FetchNew(ctx context.Context, since time.Time) (FetchResult, error) {
	src := o.Connector.Source()
	res := FetchResult{Source: src}

	cp, err := o.Store.GetCheckpoint(ctx, src)
	if err != nil {
		return res, fmt.Errorf("load checkpoint: %w", err)
	}
	token := ""
	if cp != nil {
		token = cp.SyncToken
	}
	res.Incremental = token != ""

	msgs, next, err := o.Connector.FetchSince(ctx, token, since)
	if errors.Is(err, ErrCheckpointExpired) && token != "" {
		o.log.Warn("[pipeline] %s checkpoint expired, fetching full window since %s", src, since.Format(time.RFC3339))
		res.Incremental = false
		msgs, next, err = o.Connector.FetchSince(ctx, "", since)
	}
	if err != nil {
		return res, fmt.Errorf("fetch from %s: %w", src, err)
	}
	res.Fetched = len(msgs)

	now := o.now().UTC()
	var newest time.Time
	for _, m := range msgs {
		if m.Source == "" {
			m.Source = src
		}
		if m.FetchedAt.IsZero() {
			m.FetchedAt = now
		}
		if m.ReceivedAt.After(newest) {
			newest = m.ReceivedAt
		}
	}

	res.New, err = o.Store.UpsertMessages(ctx, msgs)
	if err != nil {
		return res, fmt.Errorf("store messages: %w", err)
	}
	if next == "" {
		next = token
	}
	if err := o.Store.SaveCheckpoint(ctx, &types.SyncCheckpoint{
		Source:          src,
		SyncToken:       next,
		LastFetchedAt:   now,
		LastMessageTime: newest,
	}); err != nil {
		return res, fmt.Errorf("save checkpoint: %w", err)
	}

	mode := "full"
	if res.Incremental {
		mode = "incremental"
	}
	o.log.Info("[pipeline] %s %s fetch: %d fetched, %d new", src, mode, res.Fetched, res.New)
	return res, nil
}
