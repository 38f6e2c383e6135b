// Package ratelimit implements per-identity token buckets. Each configured
// rule matches a set of routes by glob and keys buckets by client IP or
// API key. Decisions within one bucket are linearizable: a single mutex
// guards the limiter state for that (rule, identity) pair.
package ratelimit

import (
	"math"
	"path"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type (
	// Rule is one token-bucket rule.
	Rule struct {
		// RouteGlob matches request paths with path.Match semantics, plus a
		// trailing "/*" that matches any suffix depth.
		RouteGlob string
		Capacity  int
		Window    time.Duration
		// Identity selects the bucket key: "ip" or "api-key".
		Identity string
	}

	// Decision is the outcome of one Allow call, carrying everything the
	// HTTP layer needs for X-RateLimit response headers.
	Decision struct {
		Allowed    bool
		Limit      int
		Remaining  int
		ResetAfter time.Duration
	}

	// Limiter owns the buckets for all configured rules.
	Limiter struct {
		rules []Rule

		mu      sync.Mutex
		buckets map[bucketKey]*bucket
	}

	bucketKey struct {
		rule     int
		identity string
	}

	bucket struct {
		mu  sync.Mutex
		lim *rate.Limiter
	}
)

// New builds a limiter for the given rules. Rule order matters: the first
// rule whose glob matches a path is the one applied.
func New(rules []Rule) *Limiter {
	return &Limiter{
		rules:   rules,
		buckets: make(map[bucketKey]*bucket),
	}
}

// match reports whether the rule glob matches the request path. A glob
// ending in "/*" matches any deeper path as well, which path.Match alone
// does not.
func match(glob, reqPath string) bool {
	if ok, _ := path.Match(glob, reqPath); ok {
		return true
	}
	if prefix, found := cutSuffix(glob, "/*"); found {
		return reqPath == prefix || len(reqPath) > len(prefix) && reqPath[:len(prefix)+1] == prefix+"/"
	}
	return false
}

func cutSuffix(s, suffix string) (string, bool) {
	if len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)], true
	}
	return s, false
}

// RuleFor returns the first rule matching the path, or ok=false when the
// path is unlimited.
func (l *Limiter) RuleFor(reqPath string) (Rule, bool) {
	for _, r := range l.rules {
		if match(r.RouteGlob, reqPath) {
			return r, true
		}
	}
	return Rule{}, false
}

func (l *Limiter) bucketFor(ruleIdx int, identity string) *bucket {
	key := bucketKey{rule: ruleIdx, identity: identity}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		r := l.rules[ruleIdx]
		refill := rate.Limit(float64(r.Capacity) / r.Window.Seconds())
		b = &bucket{lim: rate.NewLimiter(refill, r.Capacity)}
		l.buckets[key] = b
	}
	return b
}

// Allow consumes one token from the bucket for (path's rule, identity).
// Paths matching no rule are always allowed with a zero Decision.
func (l *Limiter) Allow(reqPath, identity string, now time.Time) Decision {
	ruleIdx := -1
	for i, r := range l.rules {
		if match(r.RouteGlob, reqPath) {
			ruleIdx = i
			break
		}
	}
	if ruleIdx < 0 {
		return Decision{Allowed: true}
	}
	r := l.rules[ruleIdx]
	b := l.bucketFor(ruleIdx, identity)

	b.mu.Lock()
	defer b.mu.Unlock()
	allowed := b.lim.AllowN(now, 1)
	remaining := int(math.Floor(b.lim.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    allowed,
		Limit:      r.Capacity,
		Remaining:  remaining,
		ResetAfter: resetAfter(b.lim, r, now),
	}
}

// Inspect reports the bucket state without consuming a token.
func (l *Limiter) Inspect(reqPath, identity string, now time.Time) (Decision, bool) {
	ruleIdx := -1
	for i, r := range l.rules {
		if match(r.RouteGlob, reqPath) {
			ruleIdx = i
			break
		}
	}
	if ruleIdx < 0 {
		return Decision{Allowed: true}, false
	}
	r := l.rules[ruleIdx]
	b := l.bucketFor(ruleIdx, identity)
	b.mu.Lock()
	defer b.mu.Unlock()
	tokens := int(math.Floor(b.lim.TokensAt(now)))
	if tokens < 0 {
		tokens = 0
	}
	return Decision{
		Allowed:    tokens >= 1,
		Limit:      r.Capacity,
		Remaining:  tokens,
		ResetAfter: resetAfter(b.lim, r, now),
	}, true
}

// resetAfter estimates when the next token becomes available: the refill
// time for the current deficit, floored at zero for non-empty buckets.
func resetAfter(lim *rate.Limiter, r Rule, now time.Time) time.Duration {
	tokens := lim.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	perToken := r.Window.Seconds() / float64(r.Capacity)
	need := 1 - tokens
	return time.Duration(need * perToken * float64(time.Second))
}
