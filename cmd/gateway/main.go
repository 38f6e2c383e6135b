package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/autopicker/gateway/blob"
	"github.com/autopicker/gateway/cache"
	"github.com/autopicker/gateway/catalog"
	"github.com/autopicker/gateway/config"
	"github.com/autopicker/gateway/dispatch"
	"github.com/autopicker/gateway/extract"
	"github.com/autopicker/gateway/gateway"
	"github.com/autopicker/gateway/ingest"
	"github.com/autopicker/gateway/provider"
	"github.com/autopicker/gateway/provider/anthropic"
	"github.com/autopicker/gateway/provider/ollama"
	"github.com/autopicker/gateway/provider/openai"
	"github.com/autopicker/gateway/provider/openrouter"
	"github.com/autopicker/gateway/ratelimit"
	"github.com/autopicker/gateway/telemetry"
)

const (
	sweepInterval = time.Hour
	// breakerSweepInterval bounds how long a recovered model can linger
	// marked unavailable after its breaker hold elapses.
	breakerSweepInterval = time.Second
)

func main() {
	var (
		configF   = flag.String("config", "config.yaml", "Path to the YAML configuration file")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides the configured listen port)")
		dbgF      = flag.Bool("debug", false, "Log request and response details")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration %q\n", *configF)
	}
	if *httpPortF != "" {
		port, err := strconv.Atoi(*httpPortF)
		if err != nil {
			log.Fatalf(ctx, err, "invalid http-port %q\n", *httpPortF)
		}
		cfg.Listen.Port = port
	}
	log.Print(ctx, log.KV{K: "http-port", V: cfg.Listen.Port})

	started := time.Now()

	// Two-tier cache. A broken Redis degrades to local-only.
	var cacheOpts []cache.Option
	if cfg.Cache.RemoteURL != "" {
		remote, err := cache.NewRedisRemote(ctx, cfg.Cache.RemoteURL)
		if err != nil {
			log.Errorf(ctx, err, "redis unavailable, running local-only cache")
		} else {
			cacheOpts = append(cacheOpts, cache.WithRemote(remote))
		}
	}
	c := cache.New(cfg.Cache.LocalBytes, cfg.Cache.DefaultTTL, cacheOpts...)

	// Ingest: blob store, extractor registry, file service.
	store, err := blob.NewStore(cfg.BlobRoot)
	if err != nil {
		log.Fatalf(ctx, err, "open blob store %q\n", cfg.BlobRoot)
	}
	extractors := []extract.Extractor{
		extract.TextExtractor{},
		extract.CSVExtractor{},
		extract.JSONExtractor{},
		extract.DocxExtractor{},
		extract.XlsxExtractor{},
		extract.PDFExtractor{},
		extract.ImageExtractor{},
	}
	if tc := cfg.Extraction.Transcription; tc.BaseURL != "" {
		whisper := extract.NewWhisperClient(tc.BaseURL, os.Getenv(tc.APIKeyEnv), tc.Model)
		extractors = append(extractors, extract.NewAudioExtractor(whisper))
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "transcription disabled, audio uploads extract as unsupported"})
	}
	registry := extract.NewRegistry(cfg.Extraction.TextCap, extractors...)

	ing, err := ingest.NewService(store, registry, c, ingest.Options{
		MaxFileBytes: cfg.Upload.MaxFileBytes,
		AllowedMIMEs: cfg.Upload.AllowedMIMEs,
		Retention:    cfg.Extraction.Retention,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize ingest service\n")
	}
	if err := ing.Load(ctx); err != nil {
		log.Errorf(ctx, err, "rehydrate file records")
	}

	// Catalog, upstream pool, adapters.
	cat := catalog.New(cfg.Descriptors())
	client := dispatch.NewPoolClient(dispatch.PoolConfig{
		MaxConns:       cfg.Pool.MaxConnections,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		ConnectTimeout: cfg.Pool.ConnectTimeout,
		TLSTimeout:     cfg.Pool.HeaderTimeout,
		FirstByte:      cfg.Pool.FirstByteTimeout,
		FullResponse:   cfg.Pool.FullResponseTimeout,
	})

	adapters := make(map[string]provider.Adapter, len(cfg.Providers))
	probeTargets := make(map[string]string, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		switch p.Adapter {
		case "openai", "custom":
			adapters[p.ID] = openai.New(openai.Options{ID: p.ID, BaseURL: p.BaseURL, APIKey: p.APIKey(), HTTPClient: client})
		case "anthropic":
			adapters[p.ID] = anthropic.New(anthropic.Options{ID: p.ID, BaseURL: p.BaseURL, APIKey: p.APIKey(), HTTPClient: client})
		case "ollama":
			adapters[p.ID] = ollama.New(ollama.Options{ID: p.ID, BaseURL: p.BaseURL, HTTPClient: client})
		case "openrouter":
			adapters[p.ID] = openrouter.New(openrouter.Options{ID: p.ID, BaseURL: p.BaseURL, APIKey: p.APIKey(), HTTPClient: client})
		}
		if p.BaseURL != "" {
			probeTargets[p.ID] = p.BaseURL
		}
	}

	recorder := telemetry.NewRecorder()

	breakers := dispatch.NewBreakerSet(time.Now)
	breakers.OnStateChange = func(prov, mdl string, open bool) {
		cat.SetAvailable(prov, mdl, !open)
		if open {
			recorder.RecordBreakerOpen(ctx, prov, mdl)
		}
		log.Print(ctx, log.KV{K: "msg", V: "breaker state change"},
			log.KV{K: "provider", V: prov}, log.KV{K: "model", V: mdl}, log.KV{K: "open", V: open})
	}
	dispatcher := dispatch.New(adapters, breakers)

	prober := dispatch.NewProber(probeTargets, client, 0)
	health := telemetry.NewHealthReporter(started, cfg.BlobRoot, prober)

	limiter := ratelimit.New(rateRules(cfg.RateLimit))

	srv := gateway.New(gateway.Options{
		Config:     cfg,
		Catalog:    cat,
		Ingest:     ing,
		Cache:      c,
		Limiter:    limiter,
		Dispatcher: dispatcher,
		Recorder:   recorder,
		Health:     health,
		APIKey:     cfg.GatewayAPIKey(),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go prober.Run(ctx)
	go sweep(ctx, ing)
	go sweepBreakers(ctx, breakers)

	// Stop on SIGINT/SIGTERM.
	errc := make(chan error)
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-sig)
	}()
	go func() {
		errc <- srv.ListenAndServe(ctx)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	time.Sleep(100 * time.Millisecond)
	log.Printf(ctx, "exited")
}

// sweep removes expired uploads on a fixed interval.
func sweep(ctx context.Context, ing *ingest.Service) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ing.Sweep(ctx)
			if err != nil {
				log.Errorf(ctx, err, "retention sweep")
			} else if n > 0 {
				log.Print(ctx, log.KV{K: "msg", V: "retention sweep"}, log.KV{K: "removed", V: n})
			}
		}
	}
}

// sweepBreakers re-closes elapsed circuit breakers so a tripped model
// regains catalog availability even while no request targets it.
func sweepBreakers(ctx context.Context, breakers *dispatch.BreakerSet) {
	ticker := time.NewTicker(breakerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			breakers.Sweep()
		}
	}
}

func rateRules(rules []config.RateRule) []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, ratelimit.Rule{
			RouteGlob: r.RouteGlob,
			Capacity:  r.Capacity,
			Window:    r.Window,
			Identity:  r.Identity,
		})
	}
	return out
}
