package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/rules"
	"github.com/daviddao/finbrief/internal/types"
)

// Store is the persistence the classification service needs.
type Store interface {
	GetClassification(ctx context.Context, messageID string) (*types.Classification, error)
	PutClassification(ctx context.Context, c *types.Classification) error
	UnclassifiedMessages(ctx context.Context) ([]*types.Message, error)
	MessagesReceivedSince(ctx context.Context, since time.Time) ([]*types.Message, error)
}

// Result counts one classification pass.
type Result struct {
	Classified  int `json:"classified"`
	Relevant    int `json:"relevant"`
	NotRelevant int `json:"not_relevant"`
}

func (r *Result) add(c *types.Classification) {
	r.Classified++
	if c.Relevant {
		r.Relevant++
	} else {
		r.NotRelevant++
	}
}

// Service classifies stored messages and persists the results.
type Service struct {
	store Store
	rules rules.Store
	log   *logging.Logger
}

// NewService returns a classification service.
func NewService(store Store, rs rules.Store, log *logging.Logger) *Service {
	return &Service{store: store, rules: rs, log: log}
}

// Classifier loads the current merged rules into a Classifier.
func (s *Service) Classifier() (*Classifier, error) {
	m, err := rules.LoadMerged(s.rules)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return New(m), nil
}

// ClassifyMessage returns the stored classification for msg if one exists;
// otherwise it classifies msg with cl and stores the result.
func (s *Service) ClassifyMessage(ctx context.Context, cl *Classifier, msg *types.Message) (*types.Classification, error) {
	existing, err := s.store.GetClassification(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	c := cl.Classify(msg)
	if err := s.store.PutClassification(ctx, c); err != nil {
		return nil, fmt.Errorf("store classification for %s: %w", msg.ID, err)
	}
	return c, nil
}

// ClassifyPending classifies every message that has no classification yet.
func (s *Service) ClassifyPending(ctx context.Context) (Result, error) {
	var res Result
	cl, err := s.Classifier()
	if err != nil {
		return res, err
	}
	pending, err := s.store.UnclassifiedMessages(ctx)
	if err != nil {
		return res, fmt.Errorf("list unclassified messages: %w", err)
	}
	for _, msg := range pending {
		c, err := s.ClassifyMessage(ctx, cl, msg)
		if err != nil {
			return res, err
		}
		res.add(c)
	}
	s.log.Info("[classify] %d classified, %d relevant", res.Classified, res.Relevant)
	return res, nil
}

// Reclassify replaces the classification of every message received at or
// after since using the current rules. This is the explicit re-run path;
// the pipeline never calls it.
func (s *Service) Reclassify(ctx context.Context, since time.Time) (Result, error) {
	var res Result
	cl, err := s.Classifier()
	if err != nil {
		return res, err
	}
	msgs, err := s.store.MessagesReceivedSince(ctx, since)
	if err != nil {
		return res, fmt.Errorf("list messages: %w", err)
	}
	for _, msg := range msgs {
		c := cl.Classify(msg)
		if err := s.store.PutClassification(ctx, c); err != nil {
			return res, fmt.Errorf("store classification for %s: %w", msg.ID, err)
		}
		res.add(c)
	}
	s.log.Info("[classify] reclassified %d messages since %s", res.Classified, since.Format(time.RFC3339))
	return res, nil
}
