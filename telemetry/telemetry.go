// Package telemetry records the per-request structured event and the
// gateway counters. Metrics flow to OTEL via the global MeterProvider
// (configure it with clue before serving) and into a local snapshot the
// metrics endpoint serves as JSON, so the gateway is observable without
// an external collector.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

const meterName = "github.com/autopicker/gateway"

type (
	// RequestEvent is the structured record emitted for every request.
	RequestEvent struct {
		RequestID       string
		Identity        string
		Route           string
		Status          int
		LatencyMS       int64
		BytesIn         int64
		BytesOut        int64
		SelectedModel   string
		ComplexityScore int
		Rationale       []string
		CacheHit        bool
		UpstreamMS      int64
		FallbackCount   int
		ErrorCode       string
	}

	// Recorder owns the gateway instruments plus a local mirror of the
	// counters for the metrics endpoint.
	Recorder struct {
		requests        metric.Int64Counter
		upstreamLatency metric.Float64Histogram
		rateLimited     metric.Int64Counter
		breakerOpens    metric.Int64Counter

		started time.Time

		statusMu     sync.Mutex
		statusCounts map[string]int64

		latencyMu      sync.Mutex
		latencySamples map[string]*latencyStats

		rateLimitedN atomic.Int64
		breakerN     atomic.Int64
	}

	latencyStats struct {
		Count int64
		SumMS float64
		MaxMS float64
	}

	// LatencySummary is the per-provider upstream latency aggregate the
	// metrics endpoint exposes.
	LatencySummary struct {
		Provider string  `json:"provider"`
		Count    int64   `json:"count"`
		MeanMS   float64 `json:"mean_ms"`
		MaxMS    float64 `json:"max_ms"`
	}

	// MetricsSnapshot is the JSON shape of the metrics endpoint.
	MetricsSnapshot struct {
		UptimeSeconds    float64          `json:"uptime_seconds"`
		RequestsByStatus map[string]int64 `json:"requests_by_status_class"`
		UpstreamLatency  []LatencySummary `json:"upstream_latency"`
		RateLimited      int64            `json:"rate_limit_rejections"`
		BreakerOpens     int64            `json:"circuit_breaker_opens"`
		CacheHitRatio    float64          `json:"cache_hit_ratio"`
	}
)

// NewRecorder builds the instruments on the global meter.
func NewRecorder() *Recorder {
	meter := otel.Meter(meterName)
	requests, _ := meter.Int64Counter("gateway.requests")
	latency, _ := meter.Float64Histogram("gateway.upstream_latency_ms")
	limited, _ := meter.Int64Counter("gateway.rate_limited")
	opens, _ := meter.Int64Counter("gateway.breaker_opens")
	return &Recorder{
		requests:        requests,
		upstreamLatency: latency,
		rateLimited:     limited,
		breakerOpens:    opens,
		started:         time.Now(),
		statusCounts:    make(map[string]int64),
		latencySamples:  make(map[string]*latencyStats),
	}
}

// Record emits the structured request log line and updates the counters.
func (r *Recorder) Record(ctx context.Context, ev RequestEvent) {
	fielders := []log.Fielder{
		log.KV{K: "msg", V: "request"},
		log.KV{K: "request-id", V: ev.RequestID},
		log.KV{K: "identity", V: ev.Identity},
		log.KV{K: "route", V: ev.Route},
		log.KV{K: "status", V: ev.Status},
		log.KV{K: "latency-ms", V: ev.LatencyMS},
		log.KV{K: "bytes-in", V: ev.BytesIn},
		log.KV{K: "bytes-out", V: ev.BytesOut},
	}
	if ev.SelectedModel != "" {
		fielders = append(fielders,
			log.KV{K: "selected-model", V: ev.SelectedModel},
			log.KV{K: "complexity-score", V: ev.ComplexityScore},
			log.KV{K: "cache-hit", V: ev.CacheHit},
			log.KV{K: "upstream-latency-ms", V: ev.UpstreamMS},
			log.KV{K: "fallback-count", V: ev.FallbackCount},
		)
	}
	if len(ev.Rationale) > 0 {
		fielders = append(fielders, log.KV{K: "rationale-tags", V: ev.Rationale})
	}
	if ev.ErrorCode != "" {
		fielders = append(fielders, log.KV{K: "error-code", V: ev.ErrorCode})
	}
	log.Info(ctx, fielders...)

	class := statusClass(ev.Status)
	r.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
	r.statusMu.Lock()
	r.statusCounts[class]++
	r.statusMu.Unlock()
}

// RecordUpstream records one upstream call's latency under its provider.
func (r *Recorder) RecordUpstream(ctx context.Context, provider string, d time.Duration) {
	ms := float64(d.Milliseconds())
	r.upstreamLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("provider", provider)))

	r.latencyMu.Lock()
	s := r.latencySamples[provider]
	if s == nil {
		s = &latencyStats{}
		r.latencySamples[provider] = s
	}
	s.Count++
	s.SumMS += ms
	if ms > s.MaxMS {
		s.MaxMS = ms
	}
	r.latencyMu.Unlock()
}

// RecordRateLimited counts a 429 rejection.
func (r *Recorder) RecordRateLimited(ctx context.Context, route string) {
	r.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
	r.rateLimitedN.Add(1)
}

// RecordBreakerOpen counts a breaker transition to open.
func (r *Recorder) RecordBreakerOpen(ctx context.Context, provider, model string) {
	r.breakerOpens.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	))
	r.breakerN.Add(1)
}

// Snapshot returns the local counter mirror. cacheHitRatio is supplied by
// the caller since the cache owns its own stats.
func (r *Recorder) Snapshot(cacheHitRatio float64) MetricsSnapshot {
	snap := MetricsSnapshot{
		UptimeSeconds:    time.Since(r.started).Seconds(),
		RequestsByStatus: make(map[string]int64),
		RateLimited:      r.rateLimitedN.Load(),
		BreakerOpens:     r.breakerN.Load(),
		CacheHitRatio:    cacheHitRatio,
	}
	r.statusMu.Lock()
	for k, v := range r.statusCounts {
		snap.RequestsByStatus[k] = v
	}
	r.statusMu.Unlock()

	r.latencyMu.Lock()
	for provider, s := range r.latencySamples {
		mean := 0.0
		if s.Count > 0 {
			mean = s.SumMS / float64(s.Count)
		}
		snap.UpstreamLatency = append(snap.UpstreamLatency, LatencySummary{
			Provider: provider,
			Count:    s.Count,
			MeanMS:   mean,
			MaxMS:    s.MaxMS,
		})
	}
	r.latencyMu.Unlock()
	return snap
}

// Started reports when the recorder (and so the process) came up.
func (r *Recorder) Started() time.Time { return r.started }

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
