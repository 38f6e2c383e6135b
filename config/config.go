// Package config loads and validates the gateway configuration. The file
// format is YAML; secrets are never stored inline — provider API keys are
// named by environment variable and resolved at load time.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autopicker/gateway/catalog"
)

// Defaults applied when the corresponding field is absent.
const (
	DefaultMaxFileBytes     = 10 << 20  // 10 MiB
	DefaultExtractionCap    = 1 << 20   // 1 MiB
	DefaultCacheLocalBytes  = 128 << 20 // 128 MiB
	DefaultCacheTTL         = 300 * time.Second
	DefaultRetention        = 24 * time.Hour
	DefaultRateCapacity     = 100
	DefaultRateWindow       = 60 * time.Second
	DefaultListenPort       = 8080
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultModelsListMaxAge = 30 * time.Second
)

type (
	// Config is the root gateway configuration.
	Config struct {
		Listen        Listen        `yaml:"listen"`
		Upload        Upload        `yaml:"upload"`
		Extraction    Extraction    `yaml:"extraction"`
		RateLimit     []RateRule    `yaml:"rate_limit"`
		Cache         Cache         `yaml:"cache"`
		Providers     []Provider    `yaml:"providers"`
		Router        Preferences   `yaml:"router"`
		Security      Security      `yaml:"security"`
		Observability Observability `yaml:"observability"`
		Pool          Pool          `yaml:"pool"`

		// BlobRoot is the on-disk root of the blob store.
		BlobRoot string `yaml:"blob_root"`
	}

	// Listen configures the HTTP listener.
	Listen struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
		TLSCert string `yaml:"tls_cert"`
		TLSKey  string `yaml:"tls_key"`
	}

	// Upload bounds inbound file uploads.
	Upload struct {
		MaxFileBytes int64    `yaml:"max_file_bytes"`
		AllowedMIMEs []string `yaml:"allowed_mime_types"`
	}

	// Extraction configures the content extraction pipeline.
	Extraction struct {
		TextCap   int           `yaml:"text_cap"`
		Retention time.Duration `yaml:"retention"`
		// Transcription points the audio extractor at a Whisper-compatible
		// transcription endpoint. Empty base URL disables transcription and
		// audio files extract as unsupported.
		Transcription Transcription `yaml:"transcription"`
	}

	// Transcription configures the external speech-to-text service.
	Transcription struct {
		BaseURL   string `yaml:"base_url"`
		APIKeyEnv string `yaml:"api_key_env"`
		Model     string `yaml:"model"`
	}

	// RateRule is one token-bucket rule applied to matching routes.
	RateRule struct {
		RouteGlob string        `yaml:"route_glob"`
		Capacity  int           `yaml:"capacity"`
		Window    time.Duration `yaml:"window"`
		// Identity selects the bucket key: "ip" or "api-key".
		Identity string `yaml:"identity"`
	}

	// Cache configures the two-tier cache.
	Cache struct {
		LocalBytes int64         `yaml:"local_bytes"`
		DefaultTTL time.Duration `yaml:"default_ttl"`
		// RemoteURL is a redis:// URL; empty runs local-only.
		RemoteURL string `yaml:"remote_url"`
	}

	// Provider declares one upstream provider and its models.
	Provider struct {
		ID        string `yaml:"id"`
		BaseURL   string `yaml:"base_url"`
		APIKeyEnv string `yaml:"api_key_env"`
		// Adapter is one of: openai, anthropic, ollama, openrouter, custom.
		Adapter string        `yaml:"adapter"`
		Models  []ModelConfig `yaml:"models"`

		// apiKey is resolved from APIKeyEnv at load time.
		apiKey string
	}

	// ModelConfig declares one model served by a provider.
	ModelConfig struct {
		ID              string   `yaml:"id"`
		Capabilities    []string `yaml:"capabilities"`
		CostInPer1K     float64  `yaml:"cost_in_per_1k"`
		CostOutPer1K    float64  `yaml:"cost_out_per_1k"`
		ContextWindow   int      `yaml:"context_window"`
		MaxOutputTokens int      `yaml:"max_output_tokens"`
		Speed           string   `yaml:"speed"`
		Pricing         string   `yaml:"pricing"`
	}

	// Preferences are the recognized router options.
	Preferences struct {
		PreferFast      bool    `yaml:"prefer_fast"`
		PreferCheap     bool    `yaml:"prefer_cheap"`
		MaxCostPer1K    float64 `yaml:"max_cost_per_1k_tokens"`
		PricingTier     string  `yaml:"pricing_tier"`
		ExplicitModelID string  `yaml:"explicit_model_id"`
	}

	// Security configures the inbound filter chain.
	Security struct {
		// APIKeyHeader names the header checked when APIKeyEnv resolves to a
		// non-empty key. Empty header disables authentication.
		APIKeyHeader string `yaml:"api_key_header"`
		APIKeyEnv    string `yaml:"api_key_env"`
		// MaxBodyBytes bounds non-upload request bodies.
		MaxBodyBytes int64 `yaml:"max_body_bytes"`
	}

	// Observability configures logging and the metrics endpoint.
	Observability struct {
		LogFormat   string `yaml:"log_format"` // json or text
		LogLevel    string `yaml:"log_level"`
		MetricsPath string `yaml:"metrics_path"`
	}

	// Pool bounds upstream connections per provider host.
	Pool struct {
		MaxConnections      int           `yaml:"max_connections"`
		IdleTimeout         time.Duration `yaml:"idle_timeout"`
		ConnectTimeout      time.Duration `yaml:"connect_timeout"`
		HeaderTimeout       time.Duration `yaml:"request_header_timeout"`
		FirstByteTimeout    time.Duration `yaml:"first_byte_timeout"`
		FullResponseTimeout time.Duration `yaml:"full_response_timeout"`
	}
)

// Load reads, defaults, resolves and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in unset fields. Idempotent.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultListenPort
	}
	if c.Upload.MaxFileBytes == 0 {
		c.Upload.MaxFileBytes = DefaultMaxFileBytes
	}
	if len(c.Upload.AllowedMIMEs) == 0 {
		c.Upload.AllowedMIMEs = DefaultAllowedMIMEs()
	}
	if c.Extraction.TextCap == 0 {
		c.Extraction.TextCap = DefaultExtractionCap
	}
	if c.Extraction.Retention == 0 {
		c.Extraction.Retention = DefaultRetention
	}
	if c.Cache.LocalBytes == 0 {
		c.Cache.LocalBytes = DefaultCacheLocalBytes
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = DefaultCacheTTL
	}
	if len(c.RateLimit) == 0 {
		c.RateLimit = []RateRule{{
			RouteGlob: "/api/v1/*",
			Capacity:  DefaultRateCapacity,
			Window:    DefaultRateWindow,
			Identity:  "ip",
		}}
	}
	for i := range c.RateLimit {
		if c.RateLimit[i].Capacity == 0 {
			c.RateLimit[i].Capacity = DefaultRateCapacity
		}
		if c.RateLimit[i].Window == 0 {
			c.RateLimit[i].Window = DefaultRateWindow
		}
		if c.RateLimit[i].Identity == "" {
			c.RateLimit[i].Identity = "ip"
		}
	}
	if c.Router.PricingTier == "" {
		c.Router.PricingTier = "auto"
	}
	if c.Router.ExplicitModelID == "" {
		c.Router.ExplicitModelID = "auto"
	}
	if c.Security.MaxBodyBytes == 0 {
		c.Security.MaxBodyBytes = 1 << 20
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
	if c.Observability.MetricsPath == "" {
		c.Observability.MetricsPath = "/api/v1/performance/metrics"
	}
	if c.BlobRoot == "" {
		c.BlobRoot = "data/blobs"
	}
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = 32
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = 90 * time.Second
	}
	if c.Pool.ConnectTimeout == 0 {
		c.Pool.ConnectTimeout = 5 * time.Second
	}
	if c.Pool.HeaderTimeout == 0 {
		c.Pool.HeaderTimeout = 10 * time.Second
	}
	if c.Pool.FirstByteTimeout == 0 {
		c.Pool.FirstByteTimeout = 30 * time.Second
	}
	if c.Pool.FullResponseTimeout == 0 {
		c.Pool.FullResponseTimeout = 600 * time.Second
	}
	if c.Extraction.Transcription.Model == "" {
		c.Extraction.Transcription.Model = "whisper-1"
	}
}

// DefaultAllowedMIMEs is the upload allow-list used when none is
// configured. Mirrors the formats the extractor registry understands plus
// common audio containers.
func DefaultAllowedMIMEs() []string {
	return []string{
		"text/plain",
		"text/markdown",
		"text/csv",
		"application/json",
		"application/pdf",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"image/png",
		"image/jpeg",
		"image/gif",
		"image/webp",
		"audio/mpeg",
		"audio/wav",
		"audio/x-wav",
		"audio/ogg",
		"audio/flac",
		"audio/mp4",
	}
}

func (c *Config) resolveSecrets() error {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKeyEnv != "" {
			p.apiKey = os.Getenv(p.APIKeyEnv)
		}
	}
	return nil
}

// APIKey returns the provider API key resolved at load time.
func (p *Provider) APIKey() string { return p.apiKey }

// SetAPIKey overrides the resolved key. Used by tests.
func (p *Provider) SetAPIKey(key string) { p.apiKey = key }

// GatewayAPIKey resolves the inbound API key, or "" when auth is disabled.
func (c *Config) GatewayAPIKey() string {
	if c.Security.APIKeyHeader == "" || c.Security.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Security.APIKeyEnv)
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Listen.Port)
	}
	if (c.Listen.TLSCert == "") != (c.Listen.TLSKey == "") {
		return fmt.Errorf("config: tls_cert and tls_key must be set together")
	}
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("config: provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		switch p.Adapter {
		case "openai", "anthropic", "ollama", "openrouter", "custom":
		default:
			return fmt.Errorf("config: provider %s: unknown adapter %q", p.ID, p.Adapter)
		}
		for _, m := range p.Models {
			if m.ID == "" {
				return fmt.Errorf("config: provider %s: model with empty id", p.ID)
			}
			if m.CostInPer1K < 0 || m.CostOutPer1K < 0 {
				return fmt.Errorf("config: model %s: negative cost", m.ID)
			}
			for _, cs := range m.Capabilities {
				if _, err := catalog.ParseCapability(cs); err != nil {
					return fmt.Errorf("config: model %s: %w", m.ID, err)
				}
			}
			switch catalog.SpeedTier(m.Speed) {
			case catalog.SpeedFast, catalog.SpeedBalanced, catalog.SpeedPowerful:
			default:
				return fmt.Errorf("config: model %s: unknown speed tier %q", m.ID, m.Speed)
			}
			switch catalog.PricingTier(m.Pricing) {
			case catalog.TierStandard, catalog.TierEnterprise, catalog.TierLocal:
			default:
				return fmt.Errorf("config: model %s: unknown pricing tier %q", m.ID, m.Pricing)
			}
		}
	}
	switch c.Router.PricingTier {
	case "standard", "enterprise", "local", "auto":
	default:
		return fmt.Errorf("config: router pricing_tier %q not recognized", c.Router.PricingTier)
	}
	for _, r := range c.RateLimit {
		if r.Identity != "ip" && r.Identity != "api-key" {
			return fmt.Errorf("config: rate rule %s: identity %q not recognized", r.RouteGlob, r.Identity)
		}
	}
	return nil
}

// Descriptors flattens the provider model declarations into catalog
// descriptors.
func (c *Config) Descriptors() []catalog.ModelDescriptor {
	var out []catalog.ModelDescriptor
	for _, p := range c.Providers {
		for _, m := range p.Models {
			caps := catalog.NewSet()
			for _, s := range m.Capabilities {
				cp, err := catalog.ParseCapability(s)
				if err != nil {
					continue // rejected by Validate already
				}
				caps[cp] = true
			}
			out = append(out, catalog.ModelDescriptor{
				Provider:        p.ID,
				Model:           m.ID,
				Capabilities:    caps,
				CostInPer1K:     m.CostInPer1K,
				CostOutPer1K:    m.CostOutPer1K,
				ContextWindow:   m.ContextWindow,
				MaxOutputTokens: m.MaxOutputTokens,
				Speed:           catalog.SpeedTier(m.Speed),
				Pricing:         catalog.PricingTier(m.Pricing),
				Available:       true,
			})
		}
	}
	return out
}
