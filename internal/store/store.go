package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/skobkin/gpumon/internal/record"
)

// Stream names one of the two append-only record streams.
type Stream string

const (
	StreamGPU     Stream = "gpu"
	StreamProcess Stream = "process"
)

// Streams lists every stream in write order.
var Streams = []Stream{StreamGPU, StreamProcess}

// Formats accepted by Open.
const (
	FormatBolt  = "bolt"
	FormatJSONL = "jsonl"
)

// Entry is a stored record with its position and tick time.
type Entry struct {
	Seq    uint64        `json:"seq"`
	Time   time.Time     `json:"time"`
	Record record.Record `json:"record"`
}

// Sink appends every record of a tick. Records are never updated or removed.
type Sink interface {
	Append(ctx context.Context, tick record.Tick) error
	Close() error
}

// Store is a sink that can replay what it holds.
type Store interface {
	Sink
	// Scan visits a stream in insertion order until fn returns an error.
	Scan(ctx context.Context, stream Stream, fn func(Entry) error) error
	// Tail returns up to n most recent entries, oldest first.
	Tail(ctx context.Context, stream Stream, n int) ([]Entry, error)
	Path() string
}

// Open creates or reopens the store for hostname under dir.
func Open(format, dir, hostname string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatBolt:
		return OpenBolt(dir, hostname)
	case FormatJSONL:
		return OpenJSONL(dir, hostname)
	default:
		return nil, fmt.Errorf("unknown store format %q", format)
	}
}

// ParseStream validates a stream name.
func ParseStream(value string) (Stream, error) {
	switch Stream(strings.ToLower(strings.TrimSpace(value))) {
	case StreamGPU:
		return StreamGPU, nil
	case StreamProcess:
		return StreamProcess, nil
	default:
		return "", fmt.Errorf("unknown stream %q", value)
	}
}

func tickRecords(tick record.Tick, stream Stream) []record.Record {
	if stream == StreamGPU {
		return tick.GPUs
	}
	return tick.Processes
}

// decodeRecord keeps integers integral instead of widening them to float64.
func decodeRecord(data []byte) (record.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return normalizeNumbers(raw), nil
}

func normalizeNumbers(raw map[string]any) record.Record {
	rec := make(record.Record, len(raw))
	for key, value := range raw {
		num, ok := value.(json.Number)
		if !ok {
			rec[key] = value
			continue
		}
		if i, err := num.Int64(); err == nil {
			rec[key] = i
			continue
		}
		if f, err := num.Float64(); err == nil && !math.IsInf(f, 0) {
			rec[key] = f
			continue
		}
		rec[key] = num.String()
	}
	return rec
}
