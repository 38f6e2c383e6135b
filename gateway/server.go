// Package gateway is the HTTP surface of the service: routing,
// middleware, request decoding, SSE framing, and the error envelope.
// Handlers orchestrate the ingest, router, and dispatch packages; they
// hold no business logic of their own.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/autopicker/gateway/cache"
	"github.com/autopicker/gateway/catalog"
	"github.com/autopicker/gateway/config"
	"github.com/autopicker/gateway/dispatch"
	"github.com/autopicker/gateway/ingest"
	"github.com/autopicker/gateway/ratelimit"
	"github.com/autopicker/gateway/router"
	"github.com/autopicker/gateway/telemetry"
)

// Options carries the server's collaborators, wired in main.
type Options struct {
	Config     *config.Config
	Catalog    *catalog.Catalog
	Ingest     *ingest.Service
	Cache      *cache.Cache
	Limiter    *ratelimit.Limiter
	Dispatcher *dispatch.Dispatcher
	Recorder   *telemetry.Recorder
	Health     *telemetry.HealthReporter
	// APIKey is the resolved inbound API key; empty disables auth.
	APIKey string
}

// Server handles the public HTTP API.
type Server struct {
	cfg        *config.Config
	catalog    *catalog.Catalog
	ingest     *ingest.Service
	cache      *cache.Cache
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	recorder   *telemetry.Recorder
	health     *telemetry.HealthReporter
	apiKey     string
	prefs      router.Preferences
}

// New builds the server.
func New(opts Options) *Server {
	return &Server{
		cfg:        opts.Config,
		catalog:    opts.Catalog,
		ingest:     opts.Ingest,
		cache:      opts.Cache,
		limiter:    opts.Limiter,
		dispatcher: opts.Dispatcher,
		recorder:   opts.Recorder,
		health:     opts.Health,
		apiKey:     opts.APIKey,
		prefs: router.Preferences{
			PreferFast:      opts.Config.Router.PreferFast,
			PreferCheap:     opts.Config.Router.PreferCheap,
			MaxCostPer1K:    opts.Config.Router.MaxCostPer1K,
			PricingTier:     opts.Config.Router.PricingTier,
			ExplicitModelID: opts.Config.Router.ExplicitModelID,
		},
	}
}

// Handler assembles the middleware onion and the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recover)
	r.Use(s.requestID)
	r.Use(s.identity)
	r.Use(s.securityHeaders)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Use(s.rateLimit)
		r.Use(s.bodyLimit)

		r.Get("/models", s.handleModels)
		r.Post("/upload", s.handleUpload)
		r.Get("/files", s.handleListFiles)
		r.Get("/files/{id}", s.handleGetFile)
		r.Delete("/files/{id}", s.handleDeleteFile)
		r.Post("/files/{id}/extract", s.handleExtract)
		r.Post("/files/{id}/transcribe", s.handleTranscribe)
		r.Post("/chat/completions", s.handleChat)
		r.Post("/chat/multimodal", s.handleMultimodal)
		r.Post("/analyze-complexity", s.handleAnalyze)
		r.Get("/monitoring/health", s.handleMonitoring)
		r.Get("/performance/metrics", s.handleMetrics)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, CodeNotFound, "no such route", "")
	})
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests within the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "addr", V: addr})
		if s.cfg.Listen.TLSCert != "" && s.cfg.Listen.TLSKey != "" {
			errc <- srv.ListenAndServeTLS(s.cfg.Listen.TLSCert, s.cfg.Listen.TLSKey)
			return
		}
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
