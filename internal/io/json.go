package io

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow/array"
)

// field is one key/value pair of a row object in document order.
type field struct {
	name  string
	value *uint32
}

// Read reads JSON data and returns a Relation. Columns appear in the order
// they are first seen; a field that is null or missing in a row becomes a
// null value.
func (r *JSONReader) Read() (*Relation, error) {
	var (
		rows [][]field
		err  error
	)
	switch r.options.Format {
	case JSONArray:
		rows, err = r.readJSONArray()
	case JSONLines:
		rows, err = r.readJSONLines()
	default:
		return nil, fmt.Errorf("unsupported JSON format: %d", r.options.Format)
	}
	if err != nil {
		return nil, err
	}
	return r.rowsToRelation(rows)
}

func (r *JSONReader) readJSONArray() ([][]field, error) {
	dec := json.NewDecoder(r.reader)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("reading JSON array: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, errors.New("reading JSON array: expected '['")
	}

	var rows [][]field
	for dec.More() {
		if r.options.MaxRecords > 0 && len(rows) >= r.options.MaxRecords {
			break
		}
		row, err := readObject(dec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(rows), err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (r *JSONReader) readJSONLines() ([][]field, error) {
	scanner := bufio.NewScanner(r.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var rows [][]field
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		if r.options.MaxRecords > 0 && len(rows) >= r.options.MaxRecords {
			break
		}
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.UseNumber()
		row, err := readObject(dec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading JSON lines: %w", err)
	}
	return rows, nil
}

// readObject decodes one flat object of unsigned integers or nulls.
func readObject(dec *json.Decoder) ([]field, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("expected object")
	}

	var row []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		tok, err = dec.Token()
		if err != nil {
			return nil, err
		}
		switch v := tok.(type) {
		case nil:
			row = append(row, field{name: name})
		case json.Number:
			n, err := strconv.ParseUint(v.String(), 10, 64)
			if err != nil || n > math.MaxUint32 {
				return nil, fmt.Errorf("field %s: %s is not a uint32", name, v)
			}
			u := uint32(n)
			row = append(row, field{name: name, value: &u})
		default:
			return nil, fmt.Errorf("field %s: unsupported value %v", name, tok)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *JSONReader) rowsToRelation(rows [][]field) (*Relation, error) {
	if len(rows) == 0 {
		return nil, errors.New("reading JSON: no records")
	}

	var names []string
	index := make(map[string]int)
	for _, row := range rows {
		for _, f := range row {
			if _, ok := index[f.name]; !ok {
				index[f.name] = len(names)
				names = append(names, f.name)
			}
		}
	}

	builders := make([]*array.Uint32Builder, len(names))
	for i := range builders {
		builders[i] = array.NewUint32Builder(r.mem)
		defer builders[i].Release()
		builders[i].Reserve(len(rows))
	}

	values := make([]*uint32, len(names))
	for _, row := range rows {
		clear(values)
		for _, f := range row {
			values[index[f.name]] = f.value
		}
		for i, b := range builders {
			if values[i] == nil {
				b.AppendNull()
				continue
			}
			b.Append(*values[i])
		}
	}

	columns := make([]*array.Uint32, len(builders))
	for i, b := range builders {
		columns[i] = b.NewUint32Array()
	}
	rel, err := NewRelation(names, columns)
	if err != nil {
		for _, col := range columns {
			col.Release()
		}
		return nil, err
	}
	return rel, nil
}

// Write writes the Relation as JSON rows.
func (w *JSONWriter) Write(rel *Relation) error {
	bw := bufio.NewWriter(w.writer)

	if w.options.Format == JSONArray {
		if _, err := bw.WriteString("["); err != nil {
			return err
		}
	}

	for row := range rel.Len() {
		if w.options.Format == JSONArray && row > 0 {
			if _, err := bw.WriteString(","); err != nil {
				return err
			}
		}
		if err := w.writeRow(bw, rel, row); err != nil {
			return fmt.Errorf("writing row %d: %w", row, err)
		}
		if w.options.Format == JSONLines {
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
		}
	}

	if w.options.Format == JSONArray {
		if _, err := bw.WriteString("]\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (w *JSONWriter) writeRow(bw *bufio.Writer, rel *Relation, row int) error {
	if err := bw.WriteByte('{'); err != nil {
		return err
	}
	for i, name := range rel.names {
		if i > 0 {
			if err := bw.WriteByte(','); err != nil {
				return err
			}
		}
		key, err := json.Marshal(name)
		if err != nil {
			return err
		}
		if _, err := bw.Write(key); err != nil {
			return err
		}
		if err := bw.WriteByte(':'); err != nil {
			return err
		}
		col := rel.columns[i]
		if col.IsNull(row) {
			_, err = bw.WriteString("null")
		} else {
			_, err = bw.WriteString(strconv.FormatUint(uint64(col.Value(row)), 10))
		}
		if err != nil {
			return err
		}
	}
	return bw.WriteByte('}')
}
