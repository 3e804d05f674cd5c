// Package local reads uploaded CSV text into a table and writes enhanced CSV output.
package local

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
	"github.com/shpitdev/meta-enhancer/internal/csvline"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultMaxRows is the largest accepted number of data rows.
const DefaultMaxRows = 5000

// ParseError reports input that has no usable header or data.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "invalid csv: " + e.Reason
}

// SizeLimitError reports input with more data rows than allowed.
type SizeLimitError struct {
	Rows int
	Max  int
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("csv has %d data rows; the maximum is %d", e.Rows, e.Max)
}

// IsInputError reports whether err rejects the input itself, as opposed to an I/O failure.
func IsInputError(err error) bool {
	var pe *ParseError
	var se *SizeLimitError
	return errors.As(err, &pe) || errors.As(err, &se)
}

// Table is parsed CSV input. Records exclude the header.
type Table struct {
	// HeaderLine is the header exactly as it appeared in the input.
	HeaderLine string
	Headers    []string
	Records    [][]string
}

// ReadTable reads CSV text from r. A UTF-8 byte order mark is dropped. maxRows <= 0
// uses DefaultMaxRows.
func ReadTable(r io.Reader, maxRows int) (Table, error) {
	b, err := io.ReadAll(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	if err != nil {
		return Table{}, fmt.Errorf("read csv: %w", err)
	}
	return ParseTable(string(b), maxRows)
}

// ParseTable parses CSV text. Blank lines are ignored and the first remaining line is
// the header.
func ParseTable(text string, maxRows int) (Table, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	text = strings.TrimPrefix(text, "\ufeff")

	lines := csvline.SplitLines(text)
	if len(lines) == 0 {
		return Table{}, &ParseError{Reason: "no header row"}
	}
	headers := csvline.ParseLine(lines[0])
	empty := true
	for _, h := range headers {
		if h != "" {
			empty = false
			break
		}
	}
	if empty {
		return Table{}, &ParseError{Reason: "header row is empty"}
	}

	data := lines[1:]
	if len(data) == 0 {
		return Table{}, &ParseError{Reason: "no data rows"}
	}
	if len(data) > maxRows {
		return Table{}, &SizeLimitError{Rows: len(data), Max: maxRows}
	}

	records := make([][]string, len(data))
	for i, line := range data {
		records[i] = csvline.ParseLine(line)
	}
	return Table{HeaderLine: lines[0], Headers: headers, Records: records}, nil
}

// Enhanced is the output pair for one row.
type Enhanced struct {
	Title       string
	Description string
}

// WriteEnhancedCSV writes the header followed by one line per row. Every column is
// blank except the title and description columns, which carry the enhanced text
// quoted. A column index of -1 is skipped. When both indices point at the same
// column the title wins.
func WriteEnhancedCSV(w io.Writer, headerLine string, headers []string, titleCol, descCol int, rows []Enhanced) error {
	if headerLine == "" {
		headerLine = JoinHeaders(headers)
	}
	if _, err := io.WriteString(w, headerLine+"\n"); err != nil {
		return err
	}

	fields := make([]string, len(headers))
	for _, r := range rows {
		clear(fields)
		if descCol >= 0 && descCol < len(fields) {
			fields[descCol] = csvline.Quote(r.Description)
		}
		if titleCol >= 0 && titleCol < len(fields) {
			fields[titleCol] = csvline.Quote(r.Title)
		}
		if _, err := io.WriteString(w, strings.Join(fields, ",")+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// JoinHeaders renders headers as a CSV line, quoting names that need it.
func JoinHeaders(headers []string) string {
	out := make([]string, len(headers))
	for i, h := range headers {
		if strings.ContainsAny(h, ",\"") {
			h = csvline.Quote(h)
		}
		out[i] = h
	}
	return strings.Join(out, ",")
}

// ExportFilename names the download for an uploaded file.
func ExportFilename(inputName string) string {
	base := filepath.Base(strings.TrimSpace(inputName))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	s := slug.Make(base)
	if s == "" || s == "." {
		return "enhanced.csv"
	}
	return "enhanced-" + s + ".csv"
}
