// Package extract implements the content extraction registry: a set of
// format-specific extractors that turn uploaded bytes into a canonical
// textual representation plus per-kind metadata. Extractors are pure with
// respect to their input bytes — the same bytes through the same extractor
// version always yield the same Extraction — which makes results safe to
// memoize by content hash.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Extraction kinds.
const (
	KindText           = "text"
	KindTable          = "table"
	KindImageCaption   = "image-caption"
	KindTranscript     = "transcript"
	KindStructuredJSON = "structured-json"
)

// Typed extraction failures. Extractors wrap these so callers can map
// failures to stable codes without string matching.
var (
	ErrMalformed          = errors.New("malformed input")
	ErrEncrypted          = errors.New("input is encrypted")
	ErrUnsupportedFeature = errors.New("unsupported format feature")
	ErrTooLarge           = errors.New("input exceeds extractor byte cap")
	ErrTimeout            = errors.New("extraction timed out")
	ErrDownstream         = errors.New("downstream service error")
)

// FailureCode maps an extraction error to its stable code, or "internal"
// for untyped errors.
func FailureCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrEncrypted):
		return "encrypted"
	case errors.Is(err, ErrUnsupportedFeature):
		return "unsupported-feature"
	case errors.Is(err, ErrTooLarge):
		return "too-large"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrDownstream):
		return "downstream-error"
	default:
		return "internal"
	}
}

type (
	// Metadata carries the per-kind attributes of an extraction. Only the
	// fields relevant to the kind are set.
	Metadata struct {
		Pages           int      `json:"pages,omitempty"`
		Language        string   `json:"language,omitempty"`
		DurationSeconds float64  `json:"duration_seconds,omitempty"`
		SampleRate      int      `json:"sample_rate,omitempty"`
		Width           int      `json:"width,omitempty"`
		Height          int      `json:"height,omitempty"`
		Format          string   `json:"format,omitempty"`
		Rows            int      `json:"rows,omitempty"`
		Columns         int      `json:"columns,omitempty"`
		Sheets          []string `json:"sheets,omitempty"`
		// ImageMode records whether an image extraction is OCR text or a
		// caption.
		ImageMode string `json:"image_mode,omitempty"`
	}

	// Extraction is the canonical output of one extractor run.
	Extraction struct {
		FileID           string   `json:"file_id"`
		Kind             string   `json:"kind"`
		Text             string   `json:"text"`
		Truncated        bool     `json:"truncated,omitempty"`
		Metadata         Metadata `json:"metadata"`
		ExtractorID      string   `json:"extractor_id"`
		ExtractorVersion string   `json:"extractor_version"`
		ElapsedMS        int64    `json:"elapsed_ms"`
		Warnings         []string `json:"warnings,omitempty"`
	}

	// Extractor is one registered format handler. Extract reads at most its
	// own byte cap from r, enforces its own timeout, and must not retain r
	// after returning.
	Extractor interface {
		// ID uniquely names the extractor within the registry.
		ID() string
		// Version participates in the memoization key; bump it whenever
		// output for the same bytes can change.
		Version() string
		// MIMEs lists the MIME types handled. A trailing "/*" wildcard
		// matches a whole top-level type.
		MIMEs() []string
		Extract(ctx context.Context, r io.Reader, size int64) (Extraction, error)
	}

	// Registry maps detected MIME types to extractors. Registration happens
	// at startup; lookups are read-only afterwards.
	Registry struct {
		extractors []Extractor
		textCap    int
	}
)

// NewRegistry builds a registry whose extractions are capped at textCap
// bytes of normalized text.
func NewRegistry(textCap int, extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors, textCap: textCap}
}

// Register appends an extractor. Later registrations win only for MIME
// types no earlier extractor claims.
func (r *Registry) Register(e Extractor) {
	r.extractors = append(r.extractors, e)
}

// ForMIME returns the extractor handling the given detected MIME type.
func (r *Registry) ForMIME(mime string) (Extractor, bool) {
	base := mime
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	for _, e := range r.extractors {
		for _, m := range e.MIMEs() {
			if m == base {
				return e, true
			}
			if t, ok := strings.CutSuffix(m, "/*"); ok && strings.HasPrefix(base, t+"/") {
				return e, true
			}
		}
	}
	return nil, false
}

// Run dispatches to the extractor for mime, then applies the shared
// output policy: UTF-8 normalization, the text cap with a truncation
// marker, and elapsed-time accounting. A mime with no registered
// extractor returns ok=false and a synthetic empty text Extraction so
// callers can record status unsupported without special cases.
func (r *Registry) Run(ctx context.Context, mime, fileID string, src io.Reader, size int64) (Extraction, bool, error) {
	e, ok := r.ForMIME(mime)
	if !ok {
		return Extraction{
			FileID:           fileID,
			Kind:             KindText,
			ExtractorID:      "none",
			ExtractorVersion: "0",
		}, false, nil
	}
	start := time.Now()
	ex, err := e.Extract(ctx, src, size)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		// Cap-exceeded extractors still return the truncated prefix.
		if !errors.Is(err, ErrTooLarge) || ex.Text == "" {
			return Extraction{}, true, fmt.Errorf("extractor %s: %w", e.ID(), err)
		}
		ex.Truncated = true
		ex.Warnings = append(ex.Warnings, "input exceeded extractor byte cap")
	}
	ex.FileID = fileID
	ex.ExtractorID = e.ID()
	ex.ExtractorVersion = e.Version()
	ex.ElapsedMS = elapsed

	text, truncated := NormalizeText(ex.Text, r.textCap)
	ex.Text = text
	if truncated {
		ex.Truncated = true
	}
	return ex, true, nil
}

// CacheKey is the memoization key for an extraction: content hash plus
// extractor identity and version.
func CacheKey(sha256hex, extractorID, version string) string {
	return "extraction:" + sha256hex + ":" + extractorID + ":" + version
}
