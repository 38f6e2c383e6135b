package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/log"
)

// probeTimeout bounds one reachability check.
const probeTimeout = 5 * time.Second

type (
	// ProbeResult is the last known reachability of one provider.
	ProbeResult struct {
		Provider  string    `json:"provider"`
		Reachable bool      `json:"reachable"`
		CheckedAt time.Time `json:"checked_at"`
		LatencyMS int64     `json:"latency_ms"`
		Detail    string    `json:"detail,omitempty"`
	}

	// Prober periodically checks provider base URLs so the health
	// snapshot can report reachability without issuing completions.
	Prober struct {
		targets  map[string]string // provider ID -> base URL
		client   *http.Client
		interval time.Duration

		mu      sync.RWMutex
		results map[string]ProbeResult
	}
)

// NewProber builds a prober over the given provider base URLs.
func NewProber(targets map[string]string, client *http.Client, interval time.Duration) *Prober {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		targets:  targets,
		client:   client,
		interval: interval,
		results:  make(map[string]ProbeResult),
	}
}

// Run probes on the configured interval until ctx is cancelled. An
// immediate round fires before the first tick.
func (p *Prober) Run(ctx context.Context) {
	p.probeAll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// Results returns the latest probe outcome per provider.
func (p *Prober) Results() []ProbeResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ProbeResult, 0, len(p.results))
	for _, r := range p.results {
		out = append(out, r)
	}
	return out
}

func (p *Prober) probeAll(ctx context.Context) {
	for id, base := range p.targets {
		result := p.probeOne(ctx, id, base)
		p.mu.Lock()
		p.results[id] = result
		p.mu.Unlock()
		if !result.Reachable {
			log.Info(ctx, log.KV{K: "msg", V: "provider unreachable"},
				log.KV{K: "provider", V: id}, log.KV{K: "detail", V: result.Detail})
		}
	}
}

func (p *Prober) probeOne(ctx context.Context, id, base string) ProbeResult {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, base, nil)
	if err != nil {
		return ProbeResult{Provider: id, CheckedAt: start, Detail: err.Error()}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{Provider: id, CheckedAt: start, Detail: err.Error()}
	}
	resp.Body.Close()
	// Any HTTP response, including 401/404 from the API root, proves the
	// host is reachable.
	return ProbeResult{
		Provider:  id,
		Reachable: true,
		CheckedAt: start,
		LatencyMS: time.Since(start).Milliseconds(),
	}
}
