package dispatch

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen reports a dispatch rejected because the (provider,
// model) breaker is open. It is retryable: the dispatcher moves on to
// the next fallback.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Breaker thresholds. The window slides over the last windowSize of
// samples; once at least minSamples landed in it and at least half
// failed, the breaker opens for openFor.
const (
	breakerWindow     = 60 * time.Second
	breakerOpenFor    = 30 * time.Second
	breakerMinSamples = 20
)

type (
	sample struct {
		at      time.Time
		failure bool
	}

	breaker struct {
		provider  string
		model     string
		samples   []sample
		openUntil time.Time
	}

	// BreakerSet holds one circuit breaker per (provider, model) pair.
	// OnStateChange fires outside the lock whenever a breaker opens or a
	// previously open breaker admits traffic again, letting the catalog
	// availability flag track breaker state.
	BreakerSet struct {
		mu       sync.Mutex
		breakers map[string]*breaker
		now      func() time.Time

		OnStateChange func(provider, model string, open bool)
	}
)

// NewBreakerSet builds an empty set. clock overrides time.Now in tests;
// nil uses the real clock.
func NewBreakerSet(clock func() time.Time) *BreakerSet {
	if clock == nil {
		clock = time.Now
	}
	return &BreakerSet{breakers: make(map[string]*breaker), now: clock}
}

// Allow reports whether a dispatch to (provider, model) may proceed. An
// open breaker whose hold has elapsed closes again on the first call.
func (s *BreakerSet) Allow(provider, model string) bool {
	key := provider + "/" + model
	now := s.now()

	s.mu.Lock()
	b := s.breakers[key]
	if b == nil {
		s.mu.Unlock()
		return true
	}
	if b.openUntil.IsZero() {
		s.mu.Unlock()
		return true
	}
	if now.Before(b.openUntil) {
		s.mu.Unlock()
		return false
	}
	// Hold elapsed: close and start a fresh window.
	b.openUntil = time.Time{}
	b.samples = nil
	notify := s.OnStateChange
	s.mu.Unlock()

	if notify != nil {
		notify(provider, model, false)
	}
	return true
}

// RecordSuccess adds a success sample.
func (s *BreakerSet) RecordSuccess(provider, model string) {
	s.record(provider, model, false)
}

// RecordFailure adds a failure sample (5xx or timeout) and opens the
// breaker when the windowed failure ratio crosses the threshold.
func (s *BreakerSet) RecordFailure(provider, model string) {
	s.record(provider, model, true)
}

func (s *BreakerSet) record(provider, model string, failure bool) {
	key := provider + "/" + model
	now := s.now()

	s.mu.Lock()
	b := s.breakers[key]
	if b == nil {
		b = &breaker{provider: provider, model: model}
		s.breakers[key] = b
	}
	b.samples = append(b.samples, sample{at: now, failure: failure})
	b.trim(now)

	opened := false
	if b.openUntil.IsZero() && failure {
		total, failures := b.tally()
		if total >= breakerMinSamples && failures*2 >= total {
			b.openUntil = now.Add(breakerOpenFor)
			opened = true
		}
	}
	notify := s.OnStateChange
	s.mu.Unlock()

	if opened && notify != nil {
		notify(provider, model, true)
	}
}

// Sweep re-closes every open breaker whose hold has elapsed and fires
// OnStateChange for each. An open breaker marks its model unavailable in
// the catalog, which keeps the router from ever targeting it again, so
// recovery cannot wait on Allow; the server runs Sweep on a short ticker
// instead.
func (s *BreakerSet) Sweep() {
	now := s.now()

	s.mu.Lock()
	var reclosed []*breaker
	for _, b := range s.breakers {
		if !b.openUntil.IsZero() && !now.Before(b.openUntil) {
			b.openUntil = time.Time{}
			b.samples = nil
			reclosed = append(reclosed, b)
		}
	}
	notify := s.OnStateChange
	s.mu.Unlock()

	if notify == nil {
		return
	}
	for _, b := range reclosed {
		notify(b.provider, b.model, false)
	}
}

// Open reports whether the breaker for (provider, model) is currently
// open, without side effects. Used by the health snapshot.
func (s *BreakerSet) Open(provider, model string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[provider+"/"+model]
	return b != nil && !b.openUntil.IsZero() && s.now().Before(b.openUntil)
}

func (b *breaker) trim(now time.Time) {
	cutoff := now.Add(-breakerWindow)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

func (b *breaker) tally() (total, failures int) {
	for _, s := range b.samples {
		total++
		if s.failure {
			failures++
		}
	}
	return total, failures
}
