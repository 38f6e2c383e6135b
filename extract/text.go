package extract

import (
	"context"
	"fmt"
	"io"
)

// textReadCap bounds how much a synchronous extractor reads regardless of
// the declared size. Slightly above the normalized text cap so truncation
// is decided by the shared policy, not mid-read.
const textReadCap = 4 << 20

// TextExtractor handles plain text and Markdown passthrough.
type TextExtractor struct{}

func (TextExtractor) ID() string      { return "text" }
func (TextExtractor) Version() string { return "1" }
func (TextExtractor) MIMEs() []string {
	return []string{"text/plain", "text/markdown", "text/x-markdown"}
}

func (TextExtractor) Extract(ctx context.Context, r io.Reader, size int64) (Extraction, error) {
	data, err := readCapped(ctx, r, textReadCap)
	if err != nil {
		return Extraction{Kind: KindText, Text: string(data)}, err
	}
	text := string(data)
	return Extraction{
		Kind: KindText,
		Text: text,
		Metadata: Metadata{
			Format: "text",
		},
	}, nil
}

// readCapped reads up to cap bytes, returning ErrTooLarge (with the
// prefix read so far) when the source exceeds it.
func readCapped(ctx context.Context, r io.Reader, byteCap int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, byteCap+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if int64(len(data)) > byteCap {
		return data[:byteCap], ErrTooLarge
	}
	return data, nil
}
