package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// JSONExtractor pretty-prints JSON documents and summarizes their
// structure (top-level keys, array lengths) in the leading lines so a
// model sees the shape before the payload.
type JSONExtractor struct{}

func (JSONExtractor) ID() string      { return "json" }
func (JSONExtractor) Version() string { return "1" }
func (JSONExtractor) MIMEs() []string { return []string{"application/json", "text/json"} }

func (JSONExtractor) Extract(ctx context.Context, r io.Reader, size int64) (Extraction, error) {
	data, err := readCapped(ctx, r, textReadCap)
	if err != nil {
		return Extraction{}, err
	}
	var doc any
	if uerr := json.Unmarshal(data, &doc); uerr != nil {
		return Extraction{}, fmt.Errorf("%w: json: %s", ErrMalformed, uerr)
	}

	var b strings.Builder
	b.WriteString("Structure: ")
	b.WriteString(describeJSON(doc))
	b.WriteString("\n\n")
	pretty, merr := json.MarshalIndent(doc, "", "  ")
	if merr != nil {
		pretty = data
	}
	b.Write(pretty)

	return Extraction{
		Kind: KindStructuredJSON,
		Text: b.String(),
		Metadata: Metadata{
			Format: "json",
		},
	}, nil
}

// describeJSON renders a one-line structural summary of a decoded JSON
// value.
func describeJSON(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 12 {
			keys = append(keys[:12], "...")
		}
		return fmt.Sprintf("object with %d keys [%s]", len(t), strings.Join(keys, ", "))
	case []any:
		if len(t) == 0 {
			return "empty array"
		}
		return fmt.Sprintf("array of %d items, first item %s", len(t), describeJSON(t[0]))
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return "value"
	}
}
