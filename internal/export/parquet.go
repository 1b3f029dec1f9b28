package export

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/parquet-go/parquet-go"

	"github.com/skobkin/gpumon/internal/store"
)

const (
	columnSeq  = "_seq"
	columnTime = "_time_unix_ns"

	parquetBatchSize = 1000
)

type columnKind int

const (
	kindInt columnKind = iota
	kindFloat
	kindString
)

// inferColumns picks one type per record key across all entries: integer
// if every value is integral, double if every value is numeric, string
// otherwise. Missing values do not influence the choice.
func inferColumns(entries []store.Entry) map[string]columnKind {
	kinds := make(map[string]columnKind)
	for _, entry := range entries {
		for key, value := range entry.Record {
			if value == nil {
				if _, ok := kinds[key]; !ok {
					kinds[key] = kindInt
				}
				continue
			}
			kind := kindOf(value)
			if prev, ok := kinds[key]; !ok || kind > prev {
				kinds[key] = kind
			}
		}
	}
	kinds[columnSeq] = kindInt
	kinds[columnTime] = kindInt
	return kinds
}

func kindOf(value any) columnKind {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return kindInt
	case float32, float64:
		return kindFloat
	default:
		return kindString
	}
}

func parquetNode(kind columnKind) parquet.Node {
	switch kind {
	case kindInt:
		return parquet.Optional(parquet.Int(64))
	case kindFloat:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	default:
		return parquet.Optional(parquet.String())
	}
}

func writeParquet(w io.Writer, entries []store.Entry) error {
	kinds := inferColumns(entries)
	// parquet.Group orders its fields by name, row values must follow.
	columns := slices.Sorted(maps.Keys(kinds))

	group := make(parquet.Group, len(columns))
	for _, name := range columns {
		group[name] = parquetNode(kinds[name])
	}
	schema := parquet.NewSchema("sample", group)

	writer := parquet.NewWriter(w, schema, parquet.Compression(&parquet.Snappy))

	batch := make([]parquet.Row, 0, parquetBatchSize)
	for _, entry := range entries {
		batch = append(batch, entryRow(entry, columns, kinds))
		if len(batch) == parquetBatchSize {
			if _, err := writer.WriteRows(batch); err != nil {
				return fmt.Errorf("write parquet rows: %w", err)
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if _, err := writer.WriteRows(batch); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

func entryRow(entry store.Entry, columns []string, kinds map[string]columnKind) parquet.Row {
	row := make(parquet.Row, len(columns))
	for i, name := range columns {
		var value any
		switch name {
		case columnSeq:
			value = entry.Seq
		case columnTime:
			value = entry.Time.UnixNano()
		default:
			value = entry.Record[name]
		}
		if value == nil {
			row[i] = parquet.NullValue().Level(0, 0, i)
			continue
		}
		row[i] = parquetValue(value, kinds[name]).Level(0, 1, i)
	}
	return row
}

func parquetValue(value any, kind columnKind) parquet.Value {
	switch kind {
	case kindInt:
		return parquet.Int64Value(toInt64(value))
	case kindFloat:
		return parquet.DoubleValue(toFloat64(value))
	default:
		if s, ok := value.(string); ok {
			return parquet.ByteArrayValue([]byte(s))
		}
		return parquet.ByteArrayValue(fmt.Appendf(nil, "%v", value))
	}
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	default:
		return 0
	}
}

func toFloat64(value any) float64 {
	switch v := value.(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return float64(toInt64(value))
	}
}
