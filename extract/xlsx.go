package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// xlsxPreviewRows bounds rows rendered per sheet.
const xlsxPreviewRows = 100

// XlsxExtractor renders each worksheet of an XLSX workbook as a bounded
// pipe-delimited table. Shared strings are resolved; formulas contribute
// their cached values.
type XlsxExtractor struct{}

func (XlsxExtractor) ID() string      { return "xlsx" }
func (XlsxExtractor) Version() string { return "1" }
func (XlsxExtractor) MIMEs() []string {
	return []string{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}
}

type (
	sharedStrings struct {
		Items []struct {
			T string   `xml:"t"`
			R []struct {
				T string `xml:"t"`
			} `xml:"r"`
		} `xml:"si"`
	}

	worksheet struct {
		Rows []struct {
			Cells []struct {
				Ref   string `xml:"r,attr"`
				Type  string `xml:"t,attr"`
				Value string `xml:"v"`
				IS    struct {
					T string `xml:"t"`
				} `xml:"is"`
			} `xml:"c"`
		} `xml:"sheetData>row"`
	}
)

func (XlsxExtractor) Extract(ctx context.Context, r io.Reader, size int64) (Extraction, error) {
	data, err := readCapped(ctx, r, docxReadCap)
	if err != nil {
		return Extraction{}, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: xlsx: %s", ErrMalformed, err)
	}

	shared, err := loadSharedStrings(zr)
	if err != nil {
		return Extraction{}, err
	}

	var sheetNames []string
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") && strings.HasSuffix(f.Name, ".xml") {
			sheetNames = append(sheetNames, f.Name)
		}
	}
	if len(sheetNames) == 0 {
		return Extraction{}, fmt.Errorf("%w: xlsx: no worksheets", ErrMalformed)
	}
	sort.Strings(sheetNames)

	var (
		b         strings.Builder
		totalRows int
		maxCols   int
		sheets    []string
	)
	for _, name := range sheetNames {
		raw, rerr := readZipEntry(zr, name)
		if rerr != nil {
			return Extraction{}, rerr
		}
		var ws worksheet
		if uerr := xml.Unmarshal(raw, &ws); uerr != nil {
			return Extraction{}, fmt.Errorf("%w: %s: %s", ErrMalformed, name, uerr)
		}
		label := strings.TrimSuffix(strings.TrimPrefix(name, "xl/worksheets/"), ".xml")
		sheets = append(sheets, label)
		fmt.Fprintf(&b, "Sheet %s (%d rows):\n", label, len(ws.Rows))
		for i, row := range ws.Rows {
			if i >= xlsxPreviewRows {
				fmt.Fprintf(&b, "... %d more rows\n", len(ws.Rows)-xlsxPreviewRows)
				break
			}
			cells := make([]string, 0, len(row.Cells))
			for _, c := range row.Cells {
				cells = append(cells, cellValue(c.Type, c.Value, c.IS.T, shared))
			}
			if len(cells) > maxCols {
				maxCols = len(cells)
			}
			b.WriteString(strings.Join(cells, " | "))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
		totalRows += len(ws.Rows)
	}

	return Extraction{
		Kind: KindTable,
		Text: strings.TrimSpace(b.String()),
		Metadata: Metadata{
			Format:  "xlsx",
			Rows:    totalRows,
			Columns: maxCols,
			Sheets:  sheets,
		},
	}, nil
}

func loadSharedStrings(zr *zip.Reader) ([]string, error) {
	raw, err := readZipEntry(zr, "xl/sharedStrings.xml")
	if err != nil {
		// Workbooks with only inline or numeric cells have no shared table.
		return nil, nil
	}
	var ss sharedStrings
	if uerr := xml.Unmarshal(raw, &ss); uerr != nil {
		return nil, fmt.Errorf("%w: sharedStrings.xml: %s", ErrMalformed, uerr)
	}
	out := make([]string, len(ss.Items))
	for i, item := range ss.Items {
		if item.T != "" {
			out[i] = item.T
			continue
		}
		var parts []string
		for _, run := range item.R {
			parts = append(parts, run.T)
		}
		out[i] = strings.Join(parts, "")
	}
	return out, nil
}

func cellValue(cellType, value, inline string, shared []string) string {
	switch cellType {
	case "s":
		idx, err := strconv.Atoi(value)
		if err != nil || idx < 0 || idx >= len(shared) {
			return value
		}
		return shared[idx]
	case "inlineStr":
		return inline
	case "b":
		if value == "1" {
			return "TRUE"
		}
		return "FALSE"
	default:
		return value
	}
}
