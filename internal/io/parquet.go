package io

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// Read reads Parquet data and returns a Relation. Integer columns of other
// widths are narrowed to uint32 when every value fits.
func (r *ParquetReader) Read() (*Relation, error) {
	// Read all data into memory for Parquet reading
	data, err := io.ReadAll(r.reader)
	if err != nil {
		return nil, fmt.Errorf("reading data: %w", err)
	}
	readerAt := bytes.NewReader(data)

	pqReader, err := file.NewParquetReader(readerAt)
	if err != nil {
		return nil, fmt.Errorf("creating parquet file reader: %w", err)
	}
	defer pqReader.Close()

	props := pqarrow.ArrowReadProperties{BatchSize: int64(r.options.BatchSize)}
	arrowReader, err := pqarrow.NewFileReader(pqReader, props, r.mem)
	if err != nil {
		return nil, fmt.Errorf("creating arrow file reader: %w", err)
	}

	table, err := arrowReader.ReadTable(context.Background())
	if err != nil {
		return nil, fmt.Errorf("reading table: %w", err)
	}
	defer table.Release()

	return r.tableToRelation(table)
}

func (r *ParquetReader) tableToRelation(table arrow.Table) (*Relation, error) {
	schema := table.Schema()
	names := make([]string, 0, table.NumCols())
	columns := make([]*array.Uint32, 0, table.NumCols())
	release := func() {
		for _, col := range columns {
			col.Release()
		}
	}

	for i := range int(table.NumCols()) {
		field := schema.Field(i)
		col, err := r.columnToUint32(table.Column(i).Data())
		if err != nil {
			release()
			return nil, fmt.Errorf("converting column %s: %w", field.Name, err)
		}
		names = append(names, field.Name)
		columns = append(columns, col)
	}

	rel, err := NewRelation(names, columns)
	if err != nil {
		release()
		return nil, err
	}
	return rel, nil
}

// columnToUint32 flattens the chunks of one column into a single array.
func (r *ParquetReader) columnToUint32(chunked *arrow.Chunked) (*array.Uint32, error) {
	b := array.NewUint32Builder(r.mem)
	defer b.Release()
	b.Reserve(chunked.Len())

	for _, chunk := range chunked.Chunks() {
		for i := range chunk.Len() {
			if chunk.IsNull(i) {
				b.AppendNull()
				continue
			}
			v, err := uint32At(chunk, i)
			if err != nil {
				return nil, err
			}
			b.Append(v)
		}
	}
	return b.NewUint32Array(), nil
}

func uint32At(arr arrow.Array, i int) (uint32, error) {
	var v int64
	switch a := arr.(type) {
	case *array.Uint32:
		return a.Value(i), nil
	case *array.Uint16:
		return uint32(a.Value(i)), nil
	case *array.Uint64:
		if a.Value(i) > math.MaxUint32 {
			return 0, fmt.Errorf("row %d: value %d overflows uint32", i, a.Value(i))
		}
		return uint32(a.Value(i)), nil
	case *array.Int32:
		v = int64(a.Value(i))
	case *array.Int64:
		v = a.Value(i)
	default:
		return 0, fmt.Errorf("unsupported Arrow type: %s", arr.DataType())
	}
	if v < 0 || v > math.MaxUint32 {
		return 0, fmt.Errorf("row %d: value %d outside uint32 range", i, v)
	}
	return uint32(v), nil
}

// Write writes the Relation in Parquet format.
func (w *ParquetWriter) Write(rel *Relation) error {
	schema := rel.schema()
	columns := make([]arrow.Column, len(rel.columns))
	for i, col := range rel.columns {
		chunked := arrow.NewChunked(arrow.PrimitiveTypes.Uint32, []arrow.Array{col})
		columns[i] = *arrow.NewColumn(schema.Field(i), chunked)
		chunked.Release()
	}
	table := array.NewTable(schema, columns, int64(rel.Len()))
	defer table.Release()
	for i := range columns {
		columns[i].Release()
	}

	var compression compress.Compression
	switch w.options.Compression {
	case "snappy":
		compression = compress.Codecs.Snappy
	case "gzip":
		compression = compress.Codecs.Gzip
	case "lz4":
		compression = compress.Codecs.Lz4Raw
	case "zstd":
		compression = compress.Codecs.Zstd
	case "uncompressed":
		compression = compress.Codecs.Uncompressed
	default:
		compression = compress.Codecs.Snappy
	}

	batch := int64(w.options.BatchSize)
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compression),
		parquet.WithBatchSize(batch),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(memory.NewGoAllocator()))

	writer, err := pqarrow.NewFileWriter(schema, w.writer, props, arrowProps)
	if err != nil {
		return fmt.Errorf("creating file writer: %w", err)
	}

	chunk := int64(rel.Len())
	if chunk == 0 {
		chunk = 1
	}
	if err := writer.WriteTable(table, chunk); err != nil {
		_ = writer.Close()
		return fmt.Errorf("writing table: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	return nil
}
