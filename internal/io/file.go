package io

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ReadFile reads a relation, choosing the format from the file extension:
// .csv, .parquet, .json (array) or .jsonl (lines).
func ReadFile(path string, mem memory.Allocator) (*Relation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var reader RelationReader
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		reader = NewCSVReader(f, DefaultCSVOptions(), mem)
	case ".parquet":
		reader = NewParquetReader(f, DefaultParquetOptions(), mem)
	case ".json":
		reader = NewJSONReader(f, JSONOptions{Format: JSONArray}, mem)
	case ".jsonl", ".ndjson":
		reader = NewJSONReader(f, JSONOptions{Format: JSONLines}, mem)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}

	rel, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return rel, nil
}

// WriteFile writes a relation, choosing the format from the file extension.
func WriteFile(path string, rel *Relation) error {
	var newWriter func(f *os.File) RelationWriter
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		newWriter = func(f *os.File) RelationWriter { return NewCSVWriter(f, DefaultCSVOptions()) }
	case ".parquet":
		newWriter = func(f *os.File) RelationWriter { return NewParquetWriter(f, DefaultParquetOptions()) }
	case ".json":
		newWriter = func(f *os.File) RelationWriter { return NewJSONWriter(f, JSONOptions{Format: JSONArray}) }
	case ".jsonl", ".ndjson":
		newWriter = func(f *os.File) RelationWriter { return NewJSONWriter(f, JSONOptions{Format: JSONLines}) }
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := newWriter(f).Write(rel); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
