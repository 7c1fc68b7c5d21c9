// Package pipeline runs the digest pipeline: fetch, rule refresh, classify,
// collect, summarize and deliver, recording every run's outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/daviddao/finbrief/internal/classify"
	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/organic"
	"github.com/daviddao/finbrief/internal/summarize"
	"github.com/daviddao/finbrief/internal/types"
)

var (
	// ErrCheckpointExpired is returned by a Connector whose incremental
	// checkpoint is no longer valid; the caller falls back to a full-window
	// fetch.
	ErrCheckpointExpired = errors.New("sync checkpoint expired")
	// ErrRunInProgress is returned when a run is attempted while another is
	// executing in this process.
	ErrRunInProgress = errors.New("a pipeline run is already in progress")
)

// Connector fetches messages from a mail source.
type Connector interface {
	// Source names the mail source; it keys the sync checkpoint.
	Source() string
	// FetchSince returns new messages and the next checkpoint. An empty
	// checkpoint requests every message received at or after since.
	FetchSince(ctx context.Context, checkpoint string, since time.Time) ([]*types.Message, string, error)
}

// Channel delivers digest text.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, text string) error
}

// Store is the persistence the orchestrator needs.
type Store interface {
	UpsertMessages(ctx context.Context, msgs []*types.Message) (int, error)
	RelevantMessages(ctx context.Context, start, end time.Time) ([]*types.ClassifiedMessage, error)
	GetCheckpoint(ctx context.Context, source string) (*types.SyncCheckpoint, error)
	SaveCheckpoint(ctx context.Context, cp *types.SyncCheckpoint) error
	CreateRun(ctx context.Context, r *types.PipelineRun) error
	UpdateRun(ctx context.Context, r *types.PipelineRun) error
	LastRunWithStatus(ctx context.Context, statuses ...string) (*types.PipelineRun, error)
	AbandonRunning(ctx context.Context, reason string, at time.Time) (int, error)
	GetDigest(ctx context.Context, id string) (*types.Digest, error)
	MarkDigestDelivery(ctx context.Context, id, status, channel string, at time.Time) error
}

// Classifier classifies stored messages that have no classification yet.
type Classifier interface {
	ClassifyPending(ctx context.Context) (classify.Result, error)
}

// Refresher runs the periodic rule refresh when it is due.
type Refresher interface {
	MaybeRefresh(ctx context.Context) (*organic.Stats, error)
}

// Summarizer generates and persists a digest.
type Summarizer interface {
	Generate(ctx context.Context, msgs []*types.ClassifiedMessage, start, end time.Time) (*summarize.Result, error)
}

// Deps are the orchestrator's collaborators. Refresher may be nil.
type Deps struct {
	Store      Store
	Connector  Connector
	Classifier Classifier
	Refresher  Refresher
	Summarizer Summarizer
	Channel    Channel
}

// Options tune the orchestrator.
type Options struct {
	// InitialLookback is the window of the first-ever run.
	InitialLookback time.Duration
	// Location sets calendar-day boundaries for duplicate suppression and
	// catch-up.
	Location *time.Location
}

// Orchestrator executes pipeline runs, one at a time.
type Orchestrator struct {
	Deps
	opts Options
	log  *logging.Logger
	now  func() time.Time
	mu   sync.Mutex
}

// New returns an orchestrator.
func New(deps Deps, opts Options, log *logging.Logger) *Orchestrator {
	if opts.InitialLookback <= 0 {
		opts.InitialLookback = 72 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Orchestrator{Deps: deps, opts: opts, log: log, now: time.Now}
}

// Run executes one pipeline run and returns its final record. The returned
// error is non-nil only when the run failed or could not be recorded;
// skipped and partial runs return a nil error.
func (o *Orchestrator) Run(ctx context.Context, trigger string) (*types.PipelineRun, error) {
	if !types.IsValidTrigger(trigger) {
		return nil, fmt.Errorf("invalid trigger %q", trigger)
	}
	if !o.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.mu.Unlock()

	now := o.now().UTC()
	start, err := o.windowStart(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("compute window: %w", err)
	}
	run := &types.PipelineRun{
		StartedAt:   now,
		Status:      types.RunRunning,
		Trigger:     trigger,
		PeriodStart: start,
		PeriodEnd:   now,
	}
	if err := o.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	o.log.Info("[pipeline] run %s (%s) window %s → %s", run.ID, trigger,
		start.Format(time.RFC3339), now.Format(time.RFC3339))

	if trigger == types.TriggerScheduled {
		done, err := o.ranToday(ctx, now)
		if err != nil {
			return o.fail(ctx, run, fmt.Errorf("check previous runs: %w", err))
		}
		if done {
			return o.finish(ctx, run, types.RunSkipped, "already ran today")
		}
	}

	// 1. Fetch.
	if err := o.stage("fetch", func() error {
		res, err := o.FetchNew(ctx, start)
		run.Fetched = res.New
		return err
	}); err != nil {
		return o.fail(ctx, run, err)
	}
	o.progress(ctx, run)

	// 2. Rule refresh, best effort.
	if o.Refresher != nil {
		if err := o.stage("refresh", func() error {
			st, err := o.Refresher.MaybeRefresh(ctx)
			if st != nil {
				run.TokensUsed += st.TokensUsed
			}
			return err
		}); err != nil {
			o.log.Warn("[pipeline] rule refresh failed, continuing: %v", err)
		}
	}

	// 3. Classify.
	if err := o.stage("classify", func() error {
		res, err := o.Classifier.ClassifyPending(ctx)
		run.Classified = res.Classified
		return err
	}); err != nil {
		return o.fail(ctx, run, err)
	}
	o.progress(ctx, run)

	// 4. Relevant set for the whole window.
	var relevant []*types.ClassifiedMessage
	if err := o.stage("collect", func() error {
		var err error
		relevant, err = o.Store.RelevantMessages(ctx, start, now)
		return err
	}); err != nil {
		return o.fail(ctx, run, err)
	}
	run.Relevant = len(relevant)
	if len(relevant) == 0 {
		return o.finish(ctx, run, types.RunSkipped, "no relevant messages in window")
	}

	// 5. Summarize.
	var digest *types.Digest
	if err := o.stage("summarize", func() error {
		res, err := o.Summarizer.Generate(ctx, relevant, start, now)
		if err != nil {
			return err
		}
		digest = res.Digest
		return nil
	}); err != nil {
		return o.fail(ctx, run, err)
	}
	run.DigestID = digest.ID
	run.TokensUsed += digest.TokensUsed
	o.progress(ctx, run)

	// 6. Deliver. Failure leaves the digest undelivered and the run partial.
	if err := o.stage("deliver", func() error {
		return o.deliver(ctx, digest)
	}); err != nil {
		o.log.Warn("[pipeline] %v", err)
		return o.finish(ctx, run, types.RunPartial, err.Error())
	}
	return o.finish(ctx, run, types.RunSuccess, "")
}

// NeedsCatchup reports whether no successful or skipped run finished today.
func (o *Orchestrator) NeedsCatchup(ctx context.Context) (bool, error) {
	done, err := o.ranToday(ctx, o.now())
	return !done, err
}

// Redeliver sends a stored digest that is undelivered or whose delivery
// failed. Delivered digests are never sent twice.
func (o *Orchestrator) Redeliver(ctx context.Context, digestID string) (*types.Digest, error) {
	if !o.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.mu.Unlock()

	d, err := o.Store.GetDigest(ctx, digestID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("digest %q not found", digestID)
	}
	if d.DeliveryStatus == types.DeliveryDelivered {
		return d, fmt.Errorf("digest %s was already delivered", d.ID)
	}
	if err := o.deliver(ctx, d); err != nil {
		return d, err
	}
	return o.Store.GetDigest(ctx, d.ID)
}

func (o *Orchestrator) deliver(ctx context.Context, d *types.Digest) error {
	text := summarize.DigestHeader(d) + d.Content
	if err := o.Channel.Deliver(ctx, text); err != nil {
		if merr := o.Store.MarkDigestDelivery(context.WithoutCancel(ctx), d.ID, types.DeliveryFailed, o.Channel.Name(), o.now().UTC()); merr != nil {
			o.log.Error("[pipeline] record failed delivery of %s: %v", d.ID, merr)
		}
		return fmt.Errorf("deliver digest %s via %s: %w", d.ID, o.Channel.Name(), err)
	}
	if err := o.Store.MarkDigestDelivery(ctx, d.ID, types.DeliveryDelivered, o.Channel.Name(), o.now().UTC()); err != nil {
		return fmt.Errorf("record delivery of %s: %w", d.ID, err)
	}
	o.log.Info("[pipeline] digest %s delivered via %s", d.ID, o.Channel.Name())
	return nil
}

// windowStart is the period end of the latest run that produced a digest,
// or now minus the initial lookback.
func (o *Orchestrator) windowStart(ctx context.Context, now time.Time) (time.Time, error) {
	last, err := o.Store.LastRunWithStatus(ctx, types.RunSuccess, types.RunPartial)
	if err != nil {
		return time.Time{}, err
	}
	if last == nil {
		return now.Add(-o.opts.InitialLookback), nil
	}
	return last.PeriodEnd, nil
}

func (o *Orchestrator) ranToday(ctx context.Context, now time.Time) (bool, error) {
	last, err := o.Store.LastRunWithStatus(ctx, types.RunSuccess, types.RunSkipped)
	if err != nil || last == nil || last.FinishedAt == nil {
		return false, err
	}
	return sameDay(*last.FinishedAt, now, o.opts.Location), nil
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// stage runs fn, converting a panic into an error tagged with the stage.
func (o *Orchestrator) stage(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) progress(ctx context.Context, run *types.PipelineRun) {
	if err := o.Store.UpdateRun(ctx, run); err != nil {
		o.log.Warn("[pipeline] update run %s: %v", run.ID, err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, run *types.PipelineRun, cause error) (*types.PipelineRun, error) {
	o.log.Error("[pipeline] run %s failed: %v", run.ID, cause)
	if _, err := o.finish(ctx, run, types.RunFailed, cause.Error()); err != nil {
		return run, errors.Join(cause, err)
	}
	return run, cause
}

// finish records the terminal status. The write ignores cancellation of ctx
// so an interrupted run is still recorded.
func (o *Orchestrator) finish(ctx context.Context, run *types.PipelineRun, status, msg string) (*types.PipelineRun, error) {
	at := o.now().UTC()
	run.Status = status
	run.FinishedAt = &at
	run.ErrorMessage = msg
	if err := o.Store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		return run, fmt.Errorf("record run outcome: %w", err)
	}
	o.log.Info("[pipeline] run %s %s: fetched=%d classified=%d relevant=%d tokens=%d",
		run.ID, status, run.Fetched, run.Classified, run.Relevant, run.TokensUsed)
	return run, nil
}
