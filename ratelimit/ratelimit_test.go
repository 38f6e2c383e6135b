package ratelimit

import (
	"testing"
	"time"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		glob, path string
		want       bool
	}{
		{"/api/v1/*", "/api/v1/models", true},
		{"/api/v1/*", "/api/v1/files/abc", true},
		{"/api/v1/*", "/api/v1", true},
		{"/api/v1/*", "/health", false},
		{"/api/v1/chat/*", "/api/v1/chat/completions", true},
		{"/api/v1/chat/*", "/api/v1/models", false},
		{"/health", "/health", true},
		{"/health", "/healthz", false},
	}
	for _, c := range cases {
		if got := match(c.glob, c.path); got != c.want {
			t.Errorf("match(%q, %q) = %v, want %v", c.glob, c.path, got, c.want)
		}
	}
}

func TestAllowConsumesCapacity(t *testing.T) {
	l := New([]Rule{{RouteGlob: "/api/v1/*", Capacity: 3, Window: time.Minute, Identity: "ip"}})
	now := time.Now()

	for i := 0; i < 3; i++ {
		d := l.Allow("/api/v1/models", "10.0.0.1", now)
		if !d.Allowed {
			t.Fatalf("request %d denied within capacity", i+1)
		}
		if d.Limit != 3 {
			t.Errorf("limit = %d", d.Limit)
		}
	}
	d := l.Allow("/api/v1/models", "10.0.0.1", now)
	if d.Allowed {
		t.Error("request over capacity allowed")
	}
	if d.ResetAfter <= 0 {
		t.Errorf("denied decision must advertise a reset, got %v", d.ResetAfter)
	}
}

func TestBucketsAreIndependentPerIdentity(t *testing.T) {
	l := New([]Rule{{RouteGlob: "/api/v1/*", Capacity: 1, Window: time.Minute, Identity: "ip"}})
	now := time.Now()

	if !l.Allow("/api/v1/models", "a", now).Allowed {
		t.Fatal("first identity denied")
	}
	if l.Allow("/api/v1/models", "a", now).Allowed {
		t.Fatal("first identity exceeded capacity")
	}
	if !l.Allow("/api/v1/models", "b", now).Allowed {
		t.Error("second identity shares the first identity's bucket")
	}
}

func TestRefillOverWindow(t *testing.T) {
	l := New([]Rule{{RouteGlob: "/api/v1/*", Capacity: 60, Window: time.Minute, Identity: "ip"}})
	now := time.Now()

	for i := 0; i < 60; i++ {
		if !l.Allow("/api/v1/x", "a", now).Allowed {
			t.Fatalf("request %d denied within capacity", i+1)
		}
	}
	if l.Allow("/api/v1/x", "a", now).Allowed {
		t.Fatal("drained bucket allowed a request")
	}
	// One token refills per second at 60/min.
	if !l.Allow("/api/v1/x", "a", now.Add(1100*time.Millisecond)).Allowed {
		t.Error("token did not refill after the per-token interval")
	}
}

func TestUnmatchedPathIsUnlimited(t *testing.T) {
	l := New([]Rule{{RouteGlob: "/api/v1/*", Capacity: 1, Window: time.Minute, Identity: "ip"}})
	now := time.Now()
	for i := 0; i < 10; i++ {
		if !l.Allow("/health", "a", now).Allowed {
			t.Fatal("unlimited path denied")
		}
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	l := New([]Rule{
		{RouteGlob: "/api/v1/chat/*", Capacity: 1, Window: time.Minute, Identity: "ip"},
		{RouteGlob: "/api/v1/*", Capacity: 100, Window: time.Minute, Identity: "ip"},
	})
	now := time.Now()

	if !l.Allow("/api/v1/chat/completions", "a", now).Allowed {
		t.Fatal("first chat request denied")
	}
	if l.Allow("/api/v1/chat/completions", "a", now).Allowed {
		t.Error("chat path must use the tighter first rule")
	}
	if !l.Allow("/api/v1/models", "a", now).Allowed {
		t.Error("models path must use the looser rule")
	}
}

func TestInspectDoesNotConsume(t *testing.T) {
	l := New([]Rule{{RouteGlob: "/api/v1/*", Capacity: 2, Window: time.Minute, Identity: "ip"}})
	now := time.Now()

	for i := 0; i < 5; i++ {
		d, matched := l.Inspect("/api/v1/x", "a", now)
		if !matched || !d.Allowed || d.Remaining != 2 {
			t.Fatalf("inspect %d = %+v, matched=%v", i, d, matched)
		}
	}
}
