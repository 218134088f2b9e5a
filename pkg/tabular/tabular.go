package tabular

import (
	"encoding/csv"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/xuri/excelize/v2"
)

// Table is the decoded form of an uploaded tabular file: ordered headers
// plus rows keyed by those headers.
type Table struct {
	Headers []string
	Rows    []Row
}

type DecodeOptions struct {
	// MaxRows caps the number of data rows decoded; 0 decodes all rows.
	// Preview mode passes a small cap so file size never affects latency.
	MaxRows int
}

var (
	ErrUnsupportedFormat = gerrors.New("unsupported file format")
	ErrNoHeaderRow       = gerrors.New("file has no header row")
)

// Decode turns file bytes into a Table. The format is picked by extension
// only; content sniffing happens upstream of this package. Decoding is a
// pure transform: a file that cannot be parsed fails outright rather than
// surfacing a partial result.
func Decode(filename string, r io.Reader, opts DecodeOptions) (*Table, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		return decodeDelimited(r, ',', opts)
	case ".tsv":
		return decodeDelimited(r, '\t', opts)
	case ".xlsx", ".xlsm":
		return decodeWorkbook(r, opts)
	default:
		return nil, gerrors.Wrapf(ErrUnsupportedFormat, "file %q", filename)
	}
}

func decodeDelimited(r io.Reader, comma rune, opts DecodeOptions) (*Table, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1

	headerRecord, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoHeaderRow
	}
	if err != nil {
		return nil, gerrors.Wrap(err, "failed to read header row")
	}

	headers := make([]string, len(headerRecord))
	for i, h := range headerRecord {
		headers[i] = strings.TrimSpace(h)
	}

	table := &Table{Headers: headers}
	for {
		if opts.MaxRows > 0 && len(table.Rows) >= opts.MaxRows {
			break
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, gerrors.Wrapf(err, "failed to read row %d", len(table.Rows)+1)
		}
		row := make(Row, len(headers))
		for i, header := range headers {
			if header == "" {
				continue
			}
			if i < len(record) {
				// Delimited text carries no type information; cells stay
				// trimmed strings and blanks become empty values.
				row[header] = String(record[i])
			} else {
				row[header] = Empty()
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func decodeWorkbook(r io.Reader, opts DecodeOptions) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, gerrors.Wrap(err, "failed to open workbook")
	}
	defer func() {
		_ = f.Close()
	}()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, gerrors.New("workbook has no sheets")
	}
	sheet := sheets[0]

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, gerrors.Wrapf(err, "failed to read sheet %q", sheet)
	}
	if len(rows) == 0 {
		return nil, ErrNoHeaderRow
	}

	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = strings.TrimSpace(h)
	}

	table := &Table{Headers: headers}
	for rowIdx, record := range rows[1:] {
		if opts.MaxRows > 0 && len(table.Rows) >= opts.MaxRows {
			break
		}
		row := make(Row, len(headers))
		for colIdx, header := range headers {
			if header == "" {
				continue
			}
			if colIdx >= len(record) {
				row[header] = Empty()
				continue
			}
			row[header] = workbookCell(f, sheet, colIdx, rowIdx+1, record[colIdx])
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// workbookCell resolves a cell to its native kind where the workbook
// preserves one: numeric cells become numbers, date-formatted cells dates,
// everything else a trimmed string.
func workbookCell(f *excelize.File, sheet string, colIdx, rowIdx int, formatted string) Value {
	axis, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+1)
	if err != nil {
		return String(formatted)
	}

	cellType, err := f.GetCellType(sheet, axis)
	if err != nil {
		return String(formatted)
	}

	switch cellType {
	// Plain numeric cells carry no explicit type attribute in the
	// container, so they surface as unset alongside the explicit number
	// type.
	case excelize.CellTypeNumber, excelize.CellTypeUnset:
		raw, err := f.GetCellValue(sheet, axis, excelize.Options{RawCellValue: true})
		if err != nil {
			return String(formatted)
		}
		if strings.TrimSpace(raw) == "" {
			return Empty()
		}
		if t, ok := parseDate(formatted); ok {
			return Date(t)
		}
		if num, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return Number(num)
		}
		return String(formatted)
	case excelize.CellTypeDate:
		if t, ok := parseDate(formatted); ok {
			return Date(t)
		}
		return String(formatted)
	default:
		return String(formatted)
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"01-02-06",
	"01/02/2006",
	"2006/01/02",
	"02.01.2006",
	time.RFC3339,
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
