// Package dispatch sends routed requests upstream. It owns the retry and
// fallback policy, the per-(provider, model) circuit breakers, and the
// pooled HTTP clients the adapters ride on. Fallback is only ever
// attempted before the first byte reaches the client; after that the
// failure is surfaced as-is.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/autopicker/gateway/catalog"
	"github.com/autopicker/gateway/model"
	"github.com/autopicker/gateway/provider"
	"github.com/autopicker/gateway/router"
)

// maxExtraAttempts bounds how many fallback models are tried after the
// primary fails with a retryable class.
const maxExtraAttempts = 2

// baseBackoff is the first retry delay; subsequent retries double it,
// with +/-30% jitter.
const baseBackoff = 250 * time.Millisecond

type (
	// Result reports how a dispatch concluded: which model actually
	// served it, how many fallbacks were consumed, and the per-attempt
	// rationale tags for the request log.
	Result struct {
		Model           catalog.ModelDescriptor
		FallbackCount   int
		Rationale       []string
		UpstreamLatency time.Duration
	}

	// Dispatcher fans requests out to provider adapters keyed by
	// provider ID.
	Dispatcher struct {
		adapters map[string]provider.Adapter
		breakers *BreakerSet

		// sleep is swapped out in tests to avoid real backoff delays.
		sleep func(ctx context.Context, d time.Duration) error
	}
)

// New builds a dispatcher over the given adapters.
func New(adapters map[string]provider.Adapter, breakers *BreakerSet) *Dispatcher {
	return &Dispatcher{
		adapters: adapters,
		breakers: breakers,
		sleep:    sleepCtx,
	}
}

// Complete dispatches a buffered completion, walking the fallback list on
// retryable failures.
func (d *Dispatcher) Complete(ctx context.Context, route router.Route, req provider.Request) (provider.Completion, Result, error) {
	var (
		res     Result
		lastErr error
	)
	for i, cand := range candidates(route) {
		if i > 0 {
			if err := d.sleep(ctx, backoff(i)); err != nil {
				return provider.Completion{}, res, err
			}
		}
		start := time.Now()
		completion, err := d.completeOne(ctx, cand, req)
		if err == nil {
			res.Model = cand
			res.FallbackCount = i
			res.UpstreamLatency = time.Since(start)
			return completion, res, nil
		}
		lastErr = err
		res.Rationale = append(res.Rationale, attemptTag(i, err))
		if !provider.Retryable(err) || i >= maxExtraAttempts {
			break
		}
	}
	return provider.Completion{}, res, lastErr
}

func (d *Dispatcher) completeOne(ctx context.Context, cand catalog.ModelDescriptor, req provider.Request) (provider.Completion, error) {
	adapter, ok := d.adapters[cand.Provider]
	if !ok {
		return provider.Completion{}, fmt.Errorf("no adapter for provider %q", cand.Provider)
	}
	if !d.breakers.Allow(cand.Provider, cand.Model) {
		return provider.Completion{}, fmt.Errorf("%s/%s: %w", cand.Provider, cand.Model, ErrBreakerOpen)
	}
	req.Model = cand.Model
	completion, err := adapter.Complete(ctx, req)
	d.observe(cand, err)
	return completion, err
}

// Stream dispatches a streaming completion. The first upstream chunk is
// awaited before the streamer is handed back, so a model that accepts
// the request but dies before producing anything still falls back.
func (d *Dispatcher) Stream(ctx context.Context, route router.Route, req provider.Request) (model.Streamer, Result, error) {
	var (
		res     Result
		lastErr error
	)
	for i, cand := range candidates(route) {
		if i > 0 {
			if err := d.sleep(ctx, backoff(i)); err != nil {
				return nil, res, err
			}
		}
		start := time.Now()
		streamer, err := d.streamOne(ctx, cand, req)
		if err == nil {
			res.Model = cand
			res.FallbackCount = i
			res.UpstreamLatency = time.Since(start)
			return streamer, res, nil
		}
		lastErr = err
		res.Rationale = append(res.Rationale, attemptTag(i, err))
		if !provider.Retryable(err) || i >= maxExtraAttempts {
			break
		}
	}
	return nil, res, lastErr
}

func (d *Dispatcher) streamOne(ctx context.Context, cand catalog.ModelDescriptor, req provider.Request) (model.Streamer, error) {
	adapter, ok := d.adapters[cand.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q", cand.Provider)
	}
	if !d.breakers.Allow(cand.Provider, cand.Model) {
		return nil, fmt.Errorf("%s/%s: %w", cand.Provider, cand.Model, ErrBreakerOpen)
	}
	req.Model = cand.Model
	streamer, err := adapter.Stream(ctx, req)
	if err != nil {
		d.observe(cand, err)
		return nil, err
	}

	// Await the first chunk under the dispatch retry umbrella.
	first, err := streamer.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		_ = streamer.Close()
		d.observe(cand, err)
		return nil, err
	}
	d.observe(cand, nil)
	return &peekedStreamer{first: first, firstOK: err == nil, inner: streamer}, nil
}

// observe feeds the breaker. Only failures a fallback could dodge count
// against the window; validation-class errors do not.
func (d *Dispatcher) observe(cand catalog.ModelDescriptor, err error) {
	switch {
	case err == nil:
		d.breakers.RecordSuccess(cand.Provider, cand.Model)
	case errors.Is(err, ErrBreakerOpen), errors.Is(err, context.Canceled):
		// Breaker rejections and client cancellations are not upstream
		// health signals.
	case provider.Retryable(err), provider.StatusCode(err) >= 500:
		d.breakers.RecordFailure(cand.Provider, cand.Model)
	}
}

// peekedStreamer replays the chunk consumed by the first-byte probe, then
// delegates.
type peekedStreamer struct {
	first    model.UpstreamChunk
	firstOK  bool
	replayed bool
	inner    model.Streamer
}

func (p *peekedStreamer) Recv() (model.UpstreamChunk, error) {
	if !p.replayed {
		p.replayed = true
		if p.firstOK {
			return p.first, nil
		}
		return model.UpstreamChunk{}, io.EOF
	}
	return p.inner.Recv()
}

func (p *peekedStreamer) Close() error { return p.inner.Close() }

func candidates(route router.Route) []catalog.ModelDescriptor {
	out := make([]catalog.ModelDescriptor, 0, 1+len(route.Fallbacks))
	out = append(out, route.Selected)
	out = append(out, route.Fallbacks...)
	return out
}

// attemptTag labels a failed attempt for the request log, e.g.
// "primary-503" or "fallback1-breaker-open".
func attemptTag(attempt int, err error) string {
	role := "primary"
	if attempt > 0 {
		role = fmt.Sprintf("fallback%d", attempt)
	}
	switch {
	case errors.Is(err, ErrBreakerOpen):
		return role + "-breaker-open"
	case errors.Is(err, context.DeadlineExceeded):
		return role + "-timeout"
	default:
		if code := provider.StatusCode(err); code > 0 {
			return fmt.Sprintf("%s-%d", role, code)
		}
		return role + "-unreachable"
	}
}

// backoff returns the delay before retry attempt n (1-based) with +/-30%
// jitter.
func backoff(n int) time.Duration {
	base := baseBackoff << (n - 1)
	jitter := 1 + (rand.Float64()*0.6 - 0.3)
	return time.Duration(float64(base) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
