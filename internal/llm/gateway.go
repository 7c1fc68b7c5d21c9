package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/retry"
)

// Caller is the call surface the rest of the system depends on.
type Caller interface {
	Call(ctx context.Context, prompt string, opts Options) (*Response, error)
}

// GatewayOptions configure a Gateway. Zero values pick defaults.
type GatewayOptions struct {
	Retry        retry.Policy
	Timeout      time.Duration
	ProbeTimeout time.Duration
	Logger       *logging.Logger
}

// Gateway routes calls to a working provider and retries transient failures.
type Gateway struct {
	primary  Provider
	fallback Provider
	policy   retry.Policy
	timeout  time.Duration
	probe    time.Duration
	log      *logging.Logger
}

// NewGateway returns a gateway over primary with an optional fallback.
func NewGateway(primary, fallback Provider, opts GatewayOptions) *Gateway {
	g := &Gateway{
		primary:  primary,
		fallback: fallback,
		policy:   opts.Retry,
		timeout:  opts.Timeout,
		probe:    opts.ProbeTimeout,
		log:      opts.Logger,
	}
	if g.policy.MaxAttempts <= 0 {
		g.policy = retry.Default
	}
	if g.timeout <= 0 {
		g.timeout = 120 * time.Second
	}
	if g.probe <= 0 {
		g.probe = 3 * time.Second
	}
	return g
}

// Resolve returns the provider that should serve the next call.
//
// A local primary is probed first; if it is down the fallback is used when
// configured, otherwise the result is ErrUnavailable. Cloud credentials are
// validated and a missing key is a *ConfigError with no fallback.
func (g *Gateway) Resolve(ctx context.Context) (Provider, error) {
	if g.primary == nil {
		return nil, &ConfigError{Msg: "no provider configured"}
	}
	err := g.check(ctx, g.primary)
	if err == nil {
		return g.primary, nil
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) || !g.primary.Local() {
		return nil, err
	}
	if g.fallback == nil {
		return nil, fmt.Errorf("%w: %s at %s is not responding: %v", ErrUnavailable, g.primary.Name(), g.primary.Model(), err)
	}

	g.log.Warn("[llm] %s unavailable (%v), falling back to %s", g.primary.Name(), err, g.fallback.Name())
	if ferr := g.check(ctx, g.fallback); ferr != nil {
		if errors.As(ferr, &cfgErr) {
			return nil, ferr
		}
		return nil, fmt.Errorf("%w: %s: %v; fallback %s: %v", ErrUnavailable, g.primary.Name(), err, g.fallback.Name(), ferr)
	}
	return g.fallback, nil
}

func (g *Gateway) check(ctx context.Context, p Provider) error {
	if !p.Local() {
		return p.Check(ctx)
	}
	probeCtx, cancel := context.WithTimeout(ctx, g.probe)
	defer cancel()
	return p.Check(probeCtx)
}

// Call sends prompt to a resolved provider. Rate limits, server errors and
// timeouts are retried with doubling backoff; the final error is returned
// unchanged. Each attempt has its own hard timeout.
func (g *Gateway) Call(ctx context.Context, prompt string, opts Options) (*Response, error) {
	p, err := g.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	var resp *Response
	attempt := 0
	err = retry.Do(ctx, g.policy, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		r, err := p.Generate(callCtx, prompt, opts)
		if err != nil {
			if retry.Retryable(err) && attempt < g.policy.MaxAttempts {
				g.log.Warn("[llm] %s attempt %d/%d failed: %v", p.Name(), attempt, g.policy.MaxAttempts, err)
			}
			return err
		}
		resp = r
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
