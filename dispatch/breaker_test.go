package dispatch

import (
	"testing"
	"time"

	"github.com/autopicker/gateway/catalog"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := NewBreakerSet(clock.now)

	// 10 successes + 9 failures: 19 samples, below the minimum.
	for i := 0; i < 10; i++ {
		s.RecordSuccess("p", "m")
	}
	for i := 0; i < 9; i++ {
		s.RecordFailure("p", "m")
	}
	if !s.Allow("p", "m") {
		t.Fatal("breaker opened below the sample minimum")
	}

	// The 20th sample pushes failures to exactly half: open.
	s.RecordFailure("p", "m")
	if s.Allow("p", "m") {
		t.Fatal("breaker stayed closed at 50% failures over 20 samples")
	}
	if !s.Open("p", "m") {
		t.Error("Open() disagrees with Allow()")
	}
}

func TestBreakerClosesAfterHold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := NewBreakerSet(clock.now)
	var transitions []bool
	s.OnStateChange = func(provider, model string, open bool) {
		transitions = append(transitions, open)
	}

	for i := 0; i < 20; i++ {
		s.RecordFailure("p", "m")
	}
	if s.Allow("p", "m") {
		t.Fatal("breaker should be open")
	}

	clock.advance(29 * time.Second)
	if s.Allow("p", "m") {
		t.Fatal("breaker closed before the hold elapsed")
	}

	clock.advance(2 * time.Second)
	if !s.Allow("p", "m") {
		t.Fatal("breaker still open after the hold")
	}
	// The reopened window starts fresh: one failure does not re-open.
	s.RecordFailure("p", "m")
	if !s.Allow("p", "m") {
		t.Error("single failure after reset re-opened the breaker")
	}

	if len(transitions) != 2 || transitions[0] != true || transitions[1] != false {
		t.Errorf("transitions = %v, want [true false]", transitions)
	}
}

func TestBreakerWindowSlides(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := NewBreakerSet(clock.now)

	// 19 old failures age out of the 60s window before the 20th lands.
	for i := 0; i < 19; i++ {
		s.RecordFailure("p", "m")
	}
	clock.advance(61 * time.Second)
	s.RecordFailure("p", "m")
	if !s.Allow("p", "m") {
		t.Error("aged-out samples still count toward the threshold")
	}
}

func TestBreakersAreIndependentPerModel(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := NewBreakerSet(clock.now)

	for i := 0; i < 20; i++ {
		s.RecordFailure("p", "m1")
	}
	if s.Allow("p", "m1") {
		t.Fatal("m1 breaker should be open")
	}
	if !s.Allow("p", "m2") {
		t.Error("m2 shares m1's breaker")
	}
}

func TestSweepReclosesElapsedBreakers(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := NewBreakerSet(clock.now)
	var transitions []bool
	s.OnStateChange = func(provider, model string, open bool) {
		if provider != "p" || model != "m" {
			t.Errorf("state change for %s/%s", provider, model)
		}
		transitions = append(transitions, open)
	}

	for i := 0; i < 20; i++ {
		s.RecordFailure("p", "m")
	}
	if !s.Open("p", "m") {
		t.Fatal("breaker should be open")
	}

	clock.advance(29 * time.Second)
	s.Sweep()
	if !s.Open("p", "m") {
		t.Fatal("sweep re-closed the breaker before the hold elapsed")
	}

	clock.advance(2 * time.Second)
	s.Sweep()
	if s.Open("p", "m") {
		t.Fatal("sweep left an elapsed breaker open")
	}
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Errorf("transitions = %v, want [true false]", transitions)
	}

	// A fresh window: one failure must not re-open.
	s.RecordFailure("p", "m")
	if !s.Allow("p", "m") {
		t.Error("re-closed breaker kept its old samples")
	}
}

func TestBreakerRecoveryRestoresAvailability(t *testing.T) {
	// Mirrors the server wiring: breaker transitions drive the catalog
	// availability flag, and the router only sees available models. The
	// sweep is what re-closes the breaker, since an unavailable model
	// receives no traffic that could call Allow.
	clock := &fakeClock{t: time.Now()}
	s := NewBreakerSet(clock.now)
	cat := catalog.New([]catalog.ModelDescriptor{{
		Provider:     "p",
		Model:        "m",
		Capabilities: catalog.NewSet(catalog.CapText),
		Speed:        catalog.SpeedFast,
		Pricing:      catalog.TierStandard,
	}})
	s.OnStateChange = func(provider, model string, open bool) {
		cat.SetAvailable(provider, model, !open)
	}

	for i := 0; i < 20; i++ {
		s.RecordFailure("p", "m")
	}
	if cat.Snapshot().Models[0].Available {
		t.Fatal("open breaker left the model available")
	}

	clock.advance(31 * time.Second)
	s.Sweep()
	if !cat.Snapshot().Models[0].Available {
		t.Fatal("model still unavailable after the hold elapsed")
	}
	if !s.Allow("p", "m") {
		t.Error("breaker still open after sweep")
	}
}
