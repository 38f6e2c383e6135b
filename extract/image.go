package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/webp"
)

const imageReadCap = 20 << 20

// ImageExtractor records image dimensions and format as a terse caption.
// The pixel data itself is never decoded, only the header, so large
// images stay cheap. Routing uses the presence of an image extraction to
// require vision capability; providers that accept images inline read
// the original bytes from the blob store, not this caption.
type ImageExtractor struct{}

func (ImageExtractor) ID() string      { return "image" }
func (ImageExtractor) Version() string { return "1" }

func (ImageExtractor) MIMEs() []string {
	return []string{"image/png", "image/jpeg", "image/gif", "image/webp"}
}

func (ImageExtractor) Extract(ctx context.Context, r io.Reader, size int64) (Extraction, error) {
	data, err := readCapped(ctx, r, imageReadCap)
	if err != nil {
		return Extraction{}, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: image: %s", ErrMalformed, err)
	}
	return Extraction{
		Kind: KindImageCaption,
		Text: fmt.Sprintf("[image: %s, %dx%d pixels]", format, cfg.Width, cfg.Height),
		Metadata: Metadata{
			Format: format,
			Width:  cfg.Width,
			Height: cfg.Height,
		},
	}, nil
}
