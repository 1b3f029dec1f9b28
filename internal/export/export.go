// Package export converts stored sample streams into files for offline
// analysis.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/skobkin/gpumon/internal/store"
)

// Output formats accepted by Write.
const (
	FormatParquet = "parquet"
	FormatJSONL   = "jsonl"
)

// Source iterates stored entries of one stream in append order.
type Source interface {
	Scan(ctx context.Context, stream store.Stream, fn func(store.Entry) error) error
}

// Write dumps every entry of stream from src into w in the given format and
// reports how many rows were written.
func Write(ctx context.Context, src Source, stream store.Stream, format string, w io.Writer) (int, error) {
	switch format {
	case FormatJSONL:
		return writeJSONL(ctx, src, stream, w)
	case FormatParquet:
		entries, err := collect(ctx, src, stream)
		if err != nil {
			return 0, err
		}
		if err := writeParquet(w, entries); err != nil {
			return 0, err
		}
		return len(entries), nil
	default:
		return 0, fmt.Errorf("unknown export format %q", format)
	}
}

// Extension returns the file extension conventionally used for format.
func Extension(format string) string {
	switch format {
	case FormatParquet:
		return ".parquet"
	case FormatJSONL:
		return ".jsonl"
	default:
		return ""
	}
}

func writeJSONL(ctx context.Context, src Source, stream store.Stream, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	err := src.Scan(ctx, stream, func(entry store.Entry) error {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("encode entry %d: %w", entry.Seq, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("export %s: %w", stream, err)
	}
	return n, nil
}

func collect(ctx context.Context, src Source, stream store.Stream) ([]store.Entry, error) {
	var entries []store.Entry
	err := src.Scan(ctx, stream, func(entry store.Entry) error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}
	return entries, nil
}
