package dispatch

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// PoolConfig holds the per-provider connection pool limits.
type PoolConfig struct {
	MaxConns       int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	TLSTimeout     time.Duration
	FirstByte      time.Duration
	FullResponse   time.Duration
	DisableHTTP2   bool
}

// DefaultPoolConfig mirrors the documented defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:       32,
		IdleTimeout:    90 * time.Second,
		ConnectTimeout: 5 * time.Second,
		TLSTimeout:     10 * time.Second,
		FirstByte:      30 * time.Second,
		FullResponse:   600 * time.Second,
	}
}

// NewPoolClient builds one pooled *http.Client for a provider host.
// HTTP/2 is negotiated via ALPN where the upstream supports it; plain
// HTTP/1.1 keep-alive is the fallback. Each provider gets its own client
// so one slow upstream cannot starve another's connections.
func NewPoolClient(cfg PoolConfig) *http.Client {
	if cfg.MaxConns <= 0 {
		cfg = DefaultPoolConfig()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       cfg.MaxConns,
		MaxIdleConnsPerHost:   cfg.MaxConns,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   cfg.TLSTimeout,
		ResponseHeaderTimeout: cfg.FirstByte,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
	}
	if !cfg.DisableHTTP2 {
		// ConfigureTransport wires h2 into the transport's TLS config while
		// keeping the HTTP/1.1 fallback for hosts that do not negotiate it.
		_ = http2.ConfigureTransport(transport)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.FullResponse,
	}
}
