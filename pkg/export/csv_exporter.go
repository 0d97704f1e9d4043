// Package export renders attendance rosters into downloadable documents.
// Services assemble a Dataset from registration rows and hand it to one of
// the format specific exporters.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// Dataset is an ordered table. Headers fixes both the column order and the
// keys used to look cell values up in each row; a row missing a key renders
// as an empty cell rather than failing the export.
type Dataset struct {
	Headers []string
	Rows    []map[string]string
}

// CSVExporter writes a dataset as CSV, the format spreadsheet imports expect
// for post-event roster reconciliation.
type CSVExporter struct{}

// NewCSVExporter builds a CSV exporter.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// Render encodes the dataset, header row first.
func (e *CSVExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("roster export needs at least one column")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(data.Headers); err != nil {
		return nil, fmt.Errorf("write header row: %w", err)
	}

	record := make([]string, len(data.Headers))
	for _, row := range data.Rows {
		for i, col := range data.Headers {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write roster row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush roster csv: %w", err)
	}
	return buf.Bytes(), nil
}
