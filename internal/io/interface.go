// Package io reads and writes join relations.
//
// A relation is a set of named, equally long arrow uint32 columns. CSV,
// JSON and Parquet backends share the Relation type; GenerateRelations
// produces synthetic inputs for demos and tests.
//
// Memory management: every Relation holds arrow arrays and must be released
// with Release once the caller is done with it.
package io

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	// DefaultBatchSize is the default batch size for I/O operations
	DefaultBatchSize = 1000
)

// Standard column names of the two relations.
const (
	ColumnKey      = "key"
	ColumnValue    = "value"
	ColumnJoinKey  = "join_key"
	ColumnGroupKey = "group_key"
)

// Relation is a named set of uint32 columns.
type Relation struct {
	names   []string
	columns []*array.Uint32
}

// NewRelation takes ownership of columns, which must all have the same length.
func NewRelation(names []string, columns []*array.Uint32) (*Relation, error) {
	if len(names) != len(columns) {
		return nil, fmt.Errorf("%d names for %d columns", len(names), len(columns))
	}
	seen := make(map[string]bool, len(names))
	for i, col := range columns {
		if seen[names[i]] {
			return nil, fmt.Errorf("duplicate column %q", names[i])
		}
		seen[names[i]] = true
		if col.Len() != columns[0].Len() {
			return nil, fmt.Errorf("column %q has %d rows, expected %d", names[i], col.Len(), columns[0].Len())
		}
	}
	return &Relation{names: names, columns: columns}, nil
}

// Columns returns the column names in order.
func (r *Relation) Columns() []string {
	return r.names
}

// Column returns the named column.
func (r *Relation) Column(name string) (*array.Uint32, bool) {
	for i, n := range r.names {
		if n == name {
			return r.columns[i], true
		}
	}
	return nil, false
}

// Len returns the row count.
func (r *Relation) Len() int {
	if len(r.columns) == 0 {
		return 0
	}
	return r.columns[0].Len()
}

// Release releases every column.
func (r *Relation) Release() {
	for _, col := range r.columns {
		col.Release()
	}
	r.columns = nil
}

// schema returns the arrow schema of the relation.
func (r *Relation) schema() *arrow.Schema {
	fields := make([]arrow.Field, len(r.names))
	for i, name := range r.names {
		fields[i] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Uint32, Nullable: r.columns[i].NullN() > 0}
	}
	return arrow.NewSchema(fields, nil)
}

// RelationReader defines the interface for reading relations from various sources
type RelationReader interface {
	// Read reads data from the source and returns a Relation
	Read() (*Relation, error)
}

// RelationWriter defines the interface for writing relations to various destinations
type RelationWriter interface {
	// Write writes the Relation to the destination
	Write(rel *Relation) error
}

// CSVOptions contains configuration options for CSV operations
type CSVOptions struct {
	// Delimiter is the field delimiter (default: comma)
	Delimiter rune
	// Comment is the comment character (default: 0 = disabled)
	Comment rune
	// Header indicates whether the first row contains headers
	Header bool
	// SkipInitialSpace indicates whether to skip initial whitespace
	SkipInitialSpace bool
}

// DefaultCSVOptions returns default CSV options
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{
		Delimiter:        ',',
		Comment:          0,
		Header:           true,
		SkipInitialSpace: false,
	}
}

// CSVReader reads CSV data into relations
type CSVReader struct {
	reader  io.Reader
	options CSVOptions
	mem     memory.Allocator
}

// NewCSVReader creates a new CSV reader with the specified options
func NewCSVReader(reader io.Reader, options CSVOptions, mem memory.Allocator) *CSVReader {
	return &CSVReader{
		reader:  reader,
		options: options,
		mem:     mem,
	}
}

// CSVWriter writes relations in CSV format
type CSVWriter struct {
	writer  io.Writer
	options CSVOptions
}

// NewCSVWriter creates a new CSV writer with the specified options
func NewCSVWriter(writer io.Writer, options CSVOptions) *CSVWriter {
	return &CSVWriter{
		writer:  writer,
		options: options,
	}
}

// JSONFormat selects the JSON layout
type JSONFormat int

const (
	// JSONArray is a single array of row objects
	JSONArray JSONFormat = iota
	// JSONLines is one row object per line
	JSONLines
)

// JSONOptions contains configuration options for JSON operations
type JSONOptions struct {
	Format JSONFormat
	// MaxRecords limits the rows read (0 = unlimited)
	MaxRecords int
}

// DefaultJSONOptions returns default JSON options
func DefaultJSONOptions() JSONOptions {
	return JSONOptions{Format: JSONLines}
}

// JSONReader reads JSON rows into relations
type JSONReader struct {
	reader  io.Reader
	options JSONOptions
	mem     memory.Allocator
}

// NewJSONReader creates a new JSON reader with the specified options
func NewJSONReader(reader io.Reader, options JSONOptions, mem memory.Allocator) *JSONReader {
	return &JSONReader{
		reader:  reader,
		options: options,
		mem:     mem,
	}
}

// JSONWriter writes relations as JSON rows
type JSONWriter struct {
	writer  io.Writer
	options JSONOptions
}

// NewJSONWriter creates a new JSON writer with the specified options
func NewJSONWriter(writer io.Writer, options JSONOptions) *JSONWriter {
	return &JSONWriter{
		writer:  writer,
		options: options,
	}
}

// ParquetOptions contains configuration options for Parquet operations
type ParquetOptions struct {
	// Compression type for Parquet files
	Compression string
	// BatchSize for reading/writing operations
	BatchSize int
}

// DefaultParquetOptions returns default Parquet options
func DefaultParquetOptions() ParquetOptions {
	return ParquetOptions{
		Compression: "snappy",
		BatchSize:   DefaultBatchSize,
	}
}

// ParquetReader reads Parquet data into relations
type ParquetReader struct {
	reader  io.Reader
	options ParquetOptions
	mem     memory.Allocator
}

// NewParquetReader creates a new Parquet reader with the specified options
func NewParquetReader(reader io.Reader, options ParquetOptions, mem memory.Allocator) *ParquetReader {
	return &ParquetReader{
		reader:  reader,
		options: options,
		mem:     mem,
	}
}

// ParquetWriter writes relations in Parquet format
type ParquetWriter struct {
	writer  io.Writer
	options ParquetOptions
}

// NewParquetWriter creates a new Parquet writer with the specified options
func NewParquetWriter(writer io.Writer, options ParquetOptions) *ParquetWriter {
	return &ParquetWriter{
		writer:  writer,
		options: options,
	}
}
