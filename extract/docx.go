package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// docxReadCap bounds the compressed document size accepted by the Office
// extractors. Office archives expand aggressively, so the cap is on the
// archive, not the XML.
const docxReadCap = 20 << 20

// DocxExtractor pulls paragraph text out of word/document.xml inside a
// DOCX archive. Formatting is discarded; paragraph boundaries become
// newlines and table cells are joined with " | ".
type DocxExtractor struct{}

func (DocxExtractor) ID() string      { return "docx" }
func (DocxExtractor) Version() string { return "1" }
func (DocxExtractor) MIMEs() []string {
	return []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document"}
}

func (DocxExtractor) Extract(ctx context.Context, r io.Reader, size int64) (Extraction, error) {
	data, err := readCapped(ctx, r, docxReadCap)
	if err != nil {
		return Extraction{}, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: docx: %s", ErrMalformed, err)
	}
	docXML, err := readZipEntry(zr, "word/document.xml")
	if err != nil {
		return Extraction{}, err
	}
	text, paragraphs, err := wordXMLText(docXML)
	if err != nil {
		return Extraction{}, err
	}
	return Extraction{
		Kind: KindText,
		Text: text,
		Metadata: Metadata{
			Format: "docx",
			Pages:  0, // page layout is a render-time concept; paragraph count stands in
			Rows:   paragraphs,
		},
	}, nil
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %s", ErrMalformed, name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, docxReadCap))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %s", ErrMalformed, name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: missing %s", ErrMalformed, name)
}

// wordXMLText walks WordprocessingML, collecting <w:t> runs into
// paragraphs delimited by <w:p> boundaries.
func wordXMLText(docXML []byte) (string, int, error) {
	dec := xml.NewDecoder(bytes.NewReader(docXML))
	var (
		b          strings.Builder
		inText     bool
		paragraphs int
		paraHasRun bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("%w: document.xml: %s", ErrMalformed, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if paraHasRun {
					paragraphs++
					paraHasRun = false
				}
				b.WriteByte('\n')
			case "tc":
				b.WriteString(" | ")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
				paraHasRun = true
			}
		}
	}
	return strings.TrimSpace(b.String()), paragraphs, nil
}
