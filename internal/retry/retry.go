// Package retry runs an operation again after transient failures, doubling
// the delay between attempts.
package retry

import (
	"context"
	"errors"
	"net"
	"time"
)

// Policy bounds a retry loop. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Default is used when a caller does not configure a policy.
var Default = Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second}

// Delay returns the wait before attempt n+1, where n starts at 1.
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
	}
	return d
}

// Do calls fn until it succeeds, returns an error classify rejects, or the
// attempt cap is reached. The last error is returned unchanged. A nil
// classify uses Retryable.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, classify func(error) bool) error {
	if classify == nil {
		classify = Retryable
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for n := 1; n <= attempts; n++ {
		err = fn(ctx)
		if err == nil || n == attempts || !classify(err) {
			return err
		}
		t := time.NewTimer(p.Delay(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}

// Retryable reports whether err is transient: an error that says so via a
// Retryable method, a network timeout, or an attempt deadline.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
