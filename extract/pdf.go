package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const pdfReadCap = 50 << 20

// PDFExtractor extracts text from PDF content streams via pdfcpu. Text is
// recovered from Tj/TJ show operators; positioning operators become
// whitespace. Encrypted documents fail with the encrypted code rather
// than malformed so callers can report them distinctly.
type PDFExtractor struct{}

func (PDFExtractor) ID() string      { return "pdf" }
func (PDFExtractor) Version() string { return "1" }
func (PDFExtractor) MIMEs() []string { return []string{"application/pdf"} }

func (PDFExtractor) Extract(ctx context.Context, r io.Reader, size int64) (Extraction, error) {
	data, err := readCapped(ctx, r, pdfReadCap)
	if err != nil {
		return Extraction{}, err
	}

	conf := pdfmodel.NewDefaultConfiguration()
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "encrypt") {
			return Extraction{}, fmt.Errorf("%w: pdf: %s", ErrEncrypted, err)
		}
		return Extraction{}, fmt.Errorf("%w: pdf: %s", ErrMalformed, err)
	}

	var (
		b        strings.Builder
		warnings []string
	)
	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return Extraction{}, err
		}
		pageText := pdfPageText(pctx, pageNr)
		if pageText == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(pageText)
	}
	text := b.String()
	if text == "" {
		// Image-only or vector-only documents extract empty, not failed.
		warnings = append(warnings, "no text content found")
	}

	return Extraction{
		Kind: KindText,
		Text: text,
		Metadata: Metadata{
			Format: "pdf",
			Pages:  pctx.PageCount,
		},
		Warnings: warnings,
	}, nil
}

func pdfPageText(pctx *pdfmodel.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(pctx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return contentStreamText(data)
}

// pdfStringRe matches PDF literal strings: (text)
var pdfStringRe = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// contentStreamText scans content stream operators for shown text.
func contentStreamText(data []byte) string {
	var b strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				b.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				b.WriteByte('\n')
				b.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			b.WriteByte('\n')
		}
	}
	return tidyPDFText(b.String())
}

// decodePDFString resolves the basic PDF string escapes including octal
// codes.
func decodePDFString(raw []byte) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			b.WriteByte(raw[i])
			continue
		}
		i++
		switch c := raw[i]; c {
		case 'n':
			b.WriteByte('\n')
		case 'r', 't':
			b.WriteByte(' ')
		case '\\', '(', ')':
			b.WriteByte(c)
		default:
			if c >= '0' && c <= '7' {
				val := int(c - '0')
				for j := 0; j < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; j++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				b.WriteByte(byte(val))
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

func tidyPDFText(text string) string {
	var b strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case r == '\n':
			b.WriteByte('\n')
			prevSpace = true
		case unicode.IsSpace(r):
			if !prevSpace && b.Len() > 0 {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}
