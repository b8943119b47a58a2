// Package spreadsheet reads lead lists from CSV and XLSX files, infers their
// identifier columns and loads them from disk, FTP or S3.
package spreadsheet

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// FirstDataRow is the sheet row number of the first data row; row 1 holds
// the headers.
const FirstDataRow = 2

// Sheet is a decoded spreadsheet. Rows map header to trimmed cell value;
// Lines holds the 1-based sheet row number of each entry in Rows.
type Sheet struct {
	Headers []string
	Rows    []map[string]string
	Lines   []int
}

// Parse decodes data as CSV or XLSX depending on the file extension.
func Parse(name string, data []byte) (*Sheet, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".txt":
		return parseCSV(data)
	case ".xlsx", ".xlsm":
		return parseXLSX(data)
	default:
		return nil, eris.Errorf("spreadsheet: unsupported file type %q", path.Ext(name))
	}
}

// Hash is the content hash identifying an imported file.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TagKey derives the import tag from a file name: the base name without its
// extension.
func TagKey(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	return strings.TrimSpace(strings.TrimSuffix(base, path.Ext(base)))
}

func parseCSV(data []byte) (*Sheet, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delimiter(data)
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "spreadsheet: read csv row")
		}
		records = append(records, rec)
	}
	return build(records)
}

// delimiter picks ';' for files whose header line uses it instead of ','.
func delimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

func parseXLSX(data []byte) (*Sheet, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "spreadsheet: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("spreadsheet: workbook has no sheets")
	}

	sheet := f.Sheets[0]
	records := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for i, cell := range row.Cells {
			cells[i] = cell.String()
		}
		records = append(records, cells)
	}
	return build(records)
}

// build turns raw records into a sheet. The first non-blank record is the
// header row; blank rows are dropped. Empty headers are named "unnamed:<n>"
// and repeated headers get a numeric suffix.
func build(records [][]string) (*Sheet, error) {
	start := 0
	for start < len(records) && blank(records[start]) {
		start++
	}
	if start == len(records) {
		return nil, eris.New("spreadsheet: file has no header row")
	}

	seen := make(map[string]int)
	headers := make([]string, len(records[start]))
	for i, h := range records[start] {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("unnamed:%d", i)
		}
		seen[h]++
		if n := seen[h]; n > 1 {
			h = fmt.Sprintf("%s_%d", h, n)
		}
		headers[i] = h
	}

	s := &Sheet{Headers: headers}
	for n := start + 1; n < len(records); n++ {
		rec := records[n]
		if blank(rec) {
			continue
		}
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(rec) {
				row[h] = strings.TrimSpace(rec[i])
			}
		}
		s.Rows = append(s.Rows, row)
		s.Lines = append(s.Lines, n+1)
	}
	if len(s.Rows) == 0 {
		return nil, eris.New("spreadsheet: file has no data rows")
	}
	return s, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
