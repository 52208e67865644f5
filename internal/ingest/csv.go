// Package ingest turns uploaded files into feature tables.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"biomarker-risk/internal/features"
	"biomarker-risk/internal/ml"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrUnsupportedFormat is returned for uploads that are not CSV.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// CheckFilename accepts .csv uploads only. Spreadsheet formats are rejected
// with a hint to export them first.
func CheckFilename(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".csv":
		return nil
	case ".xlsx", ".xls":
		return fmt.Errorf("%w: %s, export the sheet as CSV", ErrUnsupportedFormat, ext)
	case "":
		return fmt.Errorf("%w: file has no extension", ErrUnsupportedFormat)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// ReadCSV parses a header row followed by data rows. Cells are kept as text.
// Rows may be ragged; alignment reports the missing cells.
func ReadCSV(r io.Reader) (features.Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return features.Table{}, fmt.Errorf("read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return features.Table{}, fmt.Errorf("%w: the uploaded file is empty", ml.ErrEmptyInput)
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return features.Table{}, fmt.Errorf("read csv header: %w", err)
	}
	t := features.Table{Columns: make([]string, len(header))}
	for i, h := range header {
		t.Columns[i] = strings.TrimSpace(h)
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return features.Table{}, fmt.Errorf("read csv row %d: %w", len(t.Rows)+1, err)
		}
		if blank(rec) {
			continue
		}
		t.Rows = append(t.Rows, rec)
	}

	if t.Len() == 0 {
		return features.Table{}, fmt.Errorf("%w: the uploaded file has a header but no rows", ml.ErrEmptyInput)
	}
	return t, nil
}

// ReadCSVFile opens path and parses it with ReadCSV.
func ReadCSVFile(path string) (features.Table, error) {
	if err := CheckFilename(path); err != nil {
		return features.Table{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return features.Table{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f)
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
