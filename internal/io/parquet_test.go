package io_test

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/paveg/hashagg/internal/io"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParquetRoundTrip(t *testing.T) {
	mem := memory.NewGoAllocator()
	rel := createTestRelation(t, mem)
	defer rel.Release()

	for _, compression := range []string{"snappy", "gzip", "zstd", "uncompressed"} {
		t.Run(compression, func(t *testing.T) {
			opts := io.DefaultParquetOptions()
			opts.Compression = compression

			var buf bytes.Buffer
			require.NoError(t, io.NewParquetWriter(&buf, opts).Write(rel))
			assert.Positive(t, buf.Len())

			back, err := io.NewParquetReader(&buf, opts, mem).Read()
			require.NoError(t, err)
			defer back.Release()
			assertRelationsEqual(t, rel, back)
		})
	}
}

func TestParquetReader_Read(t *testing.T) {
	t.Run("narrows signed columns", func(t *testing.T) {
		buf := writeInt64Parquet(t, []int64{1, 2, 4294967295})

		rel, err := io.NewParquetReader(buf, io.DefaultParquetOptions(), memory.NewGoAllocator()).Read()
		require.NoError(t, err)
		defer rel.Release()

		keys, ok := rel.Column(io.ColumnKey)
		require.True(t, ok)
		assert.Equal(t, []uint32{1, 2, 4294967295}, keys.Uint32Values())
	})

	t.Run("rejects out of range values", func(t *testing.T) {
		buf := writeInt64Parquet(t, []int64{1, -2})

		_, err := io.NewParquetReader(buf, io.DefaultParquetOptions(), memory.NewGoAllocator()).Read()
		assert.ErrorContains(t, err, "outside uint32 range")
	})

	t.Run("rejects invalid data", func(t *testing.T) {
		_, err := io.NewParquetReader(bytes.NewReader([]byte("not parquet")), io.DefaultParquetOptions(), memory.NewGoAllocator()).Read()
		assert.Error(t, err)
	})
}

func writeInt64Parquet(t *testing.T, keys []int64) *bytes.Buffer {
	t.Helper()

	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{{Name: io.ColumnKey, Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(keys, nil)
	rec := b.NewRecord()
	defer rec.Release()

	table := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer table.Release()

	var buf bytes.Buffer
	require.NoError(t, pqarrow.WriteTable(table, &buf, int64(len(keys)), nil, pqarrow.DefaultWriterProps()))
	return &buf
}
