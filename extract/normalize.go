package extract

import (
	"strings"
	"unicode/utf8"
)

// TruncationMarker is appended to capped extraction text.
const TruncationMarker = "\n[truncated]"

// NormalizeText enforces the extraction text policy: valid UTF-8 with
// invalid sequences replaced by U+FFFD, control characters below U+0020
// stripped except TAB and LF, and the result capped at textCap bytes with
// a truncation marker. The cap cuts on a rune boundary so the output is
// always valid UTF-8.
func NormalizeText(s string, textCap int) (string, bool) {
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
			if i+1 >= len(s) || s[i+1] != '\n' {
				b.WriteByte('\n')
			}
		case r < 0x20 || r == 0x7f:
			// stripped
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if textCap <= 0 || len(out) <= textCap {
		return out, false
	}
	cut := textCap
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + TruncationMarker, true
}
