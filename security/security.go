// Package security implements the inbound filter chain: string
// sanitization, filename hardening, MIME sniffing, API key verification and
// response security headers. All checks are pure and allocation-light; the
// HTTP layer applies them in the order the gateway mandates (auth, size,
// content type, sanitization).
package security

import (
	"crypto/subtle"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrNulByte is returned for strings containing NUL.
	ErrNulByte = errors.New("string contains NUL byte")
	// ErrBadFilename is returned for path-traversal or empty filenames.
	ErrBadFilename = errors.New("filename contains path separators or is empty")
)

// SanitizeString enforces the gateway string policy: valid UTF-8 (invalid
// sequences replaced with U+FFFD), no NUL, control characters below U+0020
// stripped except TAB and LF. CR is folded into LF to normalize line
// endings across clients.
func SanitizeString(s string) (string, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return "", ErrNulByte
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r == '\t' || r == '\n':
			b.WriteRune(r)
		case r == '\r':
			// \r\n collapses to \n; bare \r becomes \n.
			if i+1 >= len(s) || s[i+1] != '\n' {
				b.WriteByte('\n')
			}
		case r < 0x20 || r == 0x7f:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

// SanitizeFilename strips directory components and control characters from
// a client-declared filename. The result never contains a path separator.
func SanitizeFilename(name string) (string, error) {
	// Take the final path element regardless of client OS conventions.
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", ErrBadFilename
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == 0 {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if out == "" {
		return "", ErrBadFilename
	}
	return out, nil
}

// DetectMIME sniffs the MIME type from the leading bytes of an upload.
// Sniffing never trusts the declared type; callers compare the two and
// record mismatches.
func DetectMIME(head []byte) string {
	return mimetype.Detect(head).String()
}

// MIMEAllowed reports whether detected is in the allow-list. Matching
// ignores parameters ("text/plain; charset=utf-8" matches "text/plain")
// and supports a trailing wildcard subtype ("image/*").
func MIMEAllowed(detected string, allowed []string) bool {
	base := detected
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	for _, a := range allowed {
		if a == base {
			return true
		}
		if t, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(base, t+"/") {
			return true
		}
	}
	return false
}

// CheckAPIKey compares the presented key against the expected one in
// constant time. An empty expected key means authentication is disabled
// and every request passes.
func CheckAPIKey(presented, expected string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// ResponseHeaders is the hardening header set injected on every response.
// The CSP only matters for HTML responses but is harmless on JSON.
func ResponseHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
}
