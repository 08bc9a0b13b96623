package io

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow/array"
)

// Read reads CSV data and returns a Relation. Empty fields become nulls.
func (r *CSVReader) Read() (*Relation, error) {
	csvReader := csv.NewReader(r.reader)
	csvReader.Comma = r.options.Delimiter
	csvReader.Comment = r.options.Comment
	csvReader.TrimLeadingSpace = r.options.SkipInitialSpace

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("reading CSV: no header or data rows")
	}

	var (
		headers  []string
		dataRows [][]string
	)
	if r.options.Header {
		headers = records[0]
		dataRows = records[1:]
	} else {
		headers = make([]string, len(records[0]))
		for i := range headers {
			headers[i] = fmt.Sprintf("column_%d", i)
		}
		dataRows = records
	}

	builders := make([]*array.Uint32Builder, len(headers))
	for i := range builders {
		builders[i] = array.NewUint32Builder(r.mem)
		defer builders[i].Release()
		builders[i].Reserve(len(dataRows))
	}

	for rowIdx, row := range dataRows {
		for colIdx, b := range builders {
			if colIdx >= len(row) || row[colIdx] == "" {
				b.AppendNull()
				continue
			}
			v, err := strconv.ParseUint(row[colIdx], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", rowIdx+1, headers[colIdx], err)
			}
			b.Append(uint32(v))
		}
	}

	columns := make([]*array.Uint32, len(builders))
	for i, b := range builders {
		columns[i] = b.NewUint32Array()
	}
	rel, err := NewRelation(headers, columns)
	if err != nil {
		for _, col := range columns {
			col.Release()
		}
		return nil, err
	}
	return rel, nil
}

// Write writes the Relation in CSV format
func (w *CSVWriter) Write(rel *Relation) error {
	csvWriter := csv.NewWriter(w.writer)
	csvWriter.Comma = w.options.Delimiter

	if w.options.Header {
		if err := csvWriter.Write(rel.Columns()); err != nil {
			return fmt.Errorf("writing headers: %w", err)
		}
	}

	row := make([]string, len(rel.columns))
	for i := range rel.Len() {
		for j, col := range rel.columns {
			if col.IsNull(i) {
				row[j] = ""
				continue
			}
			row[j] = strconv.FormatUint(uint64(col.Value(i)), 10)
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("writing row %d: %w", i, err)
		}
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("flushing CSV: %w", err)
	}
	return nil
}
