package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// csvPreviewRows bounds how many data rows are rendered into the
// extraction text; the full row count still lands in metadata.
const csvPreviewRows = 200

// CSVExtractor renders tabular files as a header line plus a bounded row
// preview, with row/column counts in metadata.
type CSVExtractor struct{}

func (CSVExtractor) ID() string      { return "csv" }
func (CSVExtractor) Version() string { return "1" }
func (CSVExtractor) MIMEs() []string { return []string{"text/csv", "text/tab-separated-values"} }

func (CSVExtractor) Extract(ctx context.Context, r io.Reader, size int64) (Extraction, error) {
	data, err := readCapped(ctx, r, textReadCap)
	capped := errors.Is(err, ErrTooLarge)
	if err != nil && !capped {
		return Extraction{}, err
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1 // tolerate ragged rows, note them below
	records, rerr := reader.ReadAll()
	if rerr != nil {
		return Extraction{}, fmt.Errorf("%w: csv: %s", ErrMalformed, rerr)
	}
	if len(records) == 0 {
		return Extraction{Kind: KindTable, Metadata: Metadata{Format: "csv"}}, nil
	}

	header := records[0]
	rows := records[1:]
	var b strings.Builder
	b.WriteString(strings.Join(header, " | "))
	b.WriteByte('\n')
	ragged := false
	for i, row := range rows {
		if i >= csvPreviewRows {
			b.WriteString(fmt.Sprintf("... %d more rows\n", len(rows)-csvPreviewRows))
			break
		}
		if len(row) != len(header) {
			ragged = true
		}
		b.WriteString(strings.Join(row, " | "))
		b.WriteByte('\n')
	}

	ex := Extraction{
		Kind: KindTable,
		Text: b.String(),
		Metadata: Metadata{
			Format:  "csv",
			Rows:    len(rows),
			Columns: len(header),
		},
	}
	if ragged {
		ex.Warnings = append(ex.Warnings, "rows with inconsistent column counts")
	}
	if capped {
		return ex, ErrTooLarge
	}
	return ex, nil
}
