package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/autopicker/gateway/security"
	"github.com/autopicker/gateway/telemetry"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyIdentity
)

// RequestID returns the request ID stored by the middleware chain.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// Identity returns the caller identity stored by the middleware chain:
// the API key when one was presented, else the source IP.
func Identity(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyIdentity).(string)
	return id
}

// statusWriter captures the status and byte count for the request event.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestID echoes or generates X-Request-Id and stores it in the
// context and the logger.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		ctx = log.With(ctx, log.KV{K: "request-id", V: id})
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identity resolves the caller identity: presented API key first, source
// IP otherwise.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if s.cfg.Security.APIKeyHeader != "" {
			id = r.Header.Get(s.cfg.Security.APIKeyHeader)
		}
		if id == "" {
			id = clientIP(r)
		}
		ctx := context.WithValue(r.Context(), ctxKeyIdentity, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeaders injects the response-side headers on every response.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range security.ResponseHeaders() {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

// auth enforces the API key with a constant-time compare when one is
// configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			presented := r.Header.Get(s.cfg.Security.APIKeyHeader)
			if !security.CheckAPIKey(presented, s.apiKey) {
				writeError(w, r, CodeUnauthorized, "missing or invalid API key", "")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the token-bucket rules and exposes the bucket state
// in X-RateLimit headers.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := s.limiter.Allow(r.URL.Path, limiterIdentity(s, r), time.Now())
		if decision.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(decision.ResetAfter).Unix(), 10))
		}
		if !decision.Allowed {
			s.recorder.RecordRateLimited(r.Context(), r.URL.Path)
			writeError(w, r, CodeRateLimited, "rate limit exceeded", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiterIdentity keys the bucket per the matched rule's identity mode.
func limiterIdentity(s *Server, r *http.Request) string {
	if rule, ok := s.limiter.RuleFor(r.URL.Path); ok && rule.Identity == "api-key" {
		if key := r.Header.Get(s.cfg.Security.APIKeyHeader); key != "" {
			return key
		}
	}
	return clientIP(r)
}

// bodyLimit bounds non-upload request bodies. Uploads carry their own
// cap inside the ingest pipeline.
func (s *Server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && s.cfg.Security.MaxBodyBytes > 0 && r.URL.Path != "/api/v1/upload" {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Security.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// recover catches handler panics, reports internal-error, and keeps the
// process serving.
func (s *Server) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error(r.Context(), fmt.Errorf("panic: %v", rec))
				writeError(w, r, CodeInternal, "internal error", "request-id "+RequestID(r.Context()))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observe wraps the response writer and emits the per-request structured
// event once the handler returns.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		ctx, _ := withDetails(r.Context())
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		ev := telemetry.RequestEvent{
			RequestID: RequestID(r.Context()),
			Identity:  Identity(r.Context()),
			Route:     r.Method + " " + r.URL.Path,
			Status:    sw.status,
			LatencyMS: time.Since(start).Milliseconds(),
			BytesIn:   r.ContentLength,
			BytesOut:  sw.bytes,
		}
		if d, ok := dispatchDetails(r.Context()); ok {
			ev.SelectedModel = d.Model
			ev.ComplexityScore = d.Score
			ev.Rationale = d.Rationale
			ev.CacheHit = d.CacheHit
			ev.UpstreamMS = d.UpstreamMS
			ev.FallbackCount = d.FallbackCount
			ev.ErrorCode = d.ErrorCode
		}
		s.recorder.Record(r.Context(), ev)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
