package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/types"
)

// Scheduler yields the next scheduled run time.
type Scheduler interface {
	Next(after time.Time) time.Time
}

// Daemon runs the pipeline on a daily schedule.
type Daemon struct {
	orch  *Orchestrator
	sched Scheduler
	log   *logging.Logger
	now   func() time.Time
	wait  func(ctx context.Context, d time.Duration) error
}

// NewDaemon returns a daemon driving orch on sched.
func NewDaemon(orch *Orchestrator, sched Scheduler, log *logging.Logger) *Daemon {
	return &Daemon{orch: orch, sched: sched, log: log, now: time.Now, wait: sleep}
}

// Run blocks until ctx is cancelled. At start it closes runs left open by a
// previous process and triggers a catch-up run when nothing has completed
// today; after that it runs on every scheduled tick.
func (d *Daemon) Run(ctx context.Context) error {
	n, err := d.orch.Store.AbandonRunning(ctx, "interrupted: process exited during run", d.now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		d.log.Warn("[daemon] marked %d interrupted run(s) as failed", n)
	}

	need, err := d.orch.NeedsCatchup(ctx)
	if err != nil {
		return err
	}
	if need {
		d.log.Info("[daemon] no completed run today, starting catch-up")
		d.runOnce(ctx, types.TriggerCatchup)
	}

	for {
		next := d.sched.Next(d.now())
		d.log.Info("[daemon] next run at %s", next.Format(time.RFC3339))
		if err := d.wait(ctx, next.Sub(d.now())); err != nil {
			d.log.Info("[daemon] stopping")
			return nil
		}
		d.runOnce(ctx, types.TriggerScheduled)
	}
}

func (d *Daemon) runOnce(ctx context.Context, trigger string) {
	run, err := d.orch.Run(ctx, trigger)
	switch {
	case errors.Is(err, ErrRunInProgress):
		d.log.Warn("[daemon] %s run skipped: %v", trigger, err)
	case err != nil:
		d.log.Error("[daemon] %s run failed: %v", trigger, err)
	default:
		d.log.Info("[daemon] %s run %s finished %s", trigger, run.ID, run.Status)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
