// Package ingest turns uploaded claim files into raw field maps for the
// adjudication normalizer.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dimchansky/utfbom"
	"github.com/go-gota/gota/dataframe"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files that are neither CSV nor XLSX.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ErrNoHeader is returned when a file has no header row.
var ErrNoHeader = errors.New("missing header row")

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks a Format from a file name's extension.
func DetectFormat(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// Read parses r as the given format. Each returned map is one claim keyed by
// normalized header name; cell values are strings.
func Read(r io.Reader, format Format) ([]map[string]any, error) {
	switch format {
	case FormatCSV:
		return ReadCSV(r)
	case FormatXLSX:
		return ReadXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// ReadFile opens and parses a claim file, detecting the format from its name.
func ReadFile(path string) ([]map[string]any, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open claim file: %w", err)
	}
	defer f.Close()
	return Read(f, format)
}

// ReadCSV parses a CSV claim file. A leading byte order mark, as written by
// spreadsheet exports, is skipped.
func ReadCSV(r io.Reader) ([]map[string]any, error) {
	// NA is a meaningful approval_number value, so disable NaN detection.
	df := dataframe.ReadCSV(utfbom.SkipOnly(r),
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.NaNValues(nil),
	)
	if df.Err != nil {
		return nil, fmt.Errorf("read csv: %w", df.Err)
	}
	records := df.Records()
	if len(records) == 0 {
		return nil, ErrNoHeader
	}
	return toRows(records[0], records[1:])
}

// ReadXLSX parses the first worksheet of an XLSX claim file.
func ReadXLSX(r io.Reader) ([]map[string]any, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoHeader
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, ErrNoHeader
	}
	return toRows(rows[0], rows[1:])
}

// HeaderKey normalizes a column header: "Paid Amount (AED)" and
// "paid_amount_aed" both become paid_amount_aed.
func HeaderKey(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	var sb strings.Builder
	underscore := false
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			underscore = false
		default:
			if !underscore && sb.Len() > 0 {
				sb.WriteByte('_')
				underscore = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "_")
}

func toRows(header []string, rows [][]string) ([]map[string]any, error) {
	keys := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		k := HeaderKey(h)
		if k == "" {
			continue
		}
		if seen[k] {
			return nil, fmt.Errorf("duplicate column %q", h)
		}
		seen[k] = true
		keys[i] = k
	}
	if len(seen) == 0 {
		return nil, ErrNoHeader
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if blank(row) {
			continue
		}
		m := make(map[string]any, len(keys))
		for i, k := range keys {
			if k == "" {
				continue
			}
			if i < len(row) {
				m[k] = row[i]
			} else {
				m[k] = ""
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
