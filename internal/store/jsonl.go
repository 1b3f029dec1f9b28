package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skobkin/gpumon/internal/record"
)

const maxLineSize = 4 * 1024 * 1024

// JSONL keeps each stream as its own JSON lines file.
type JSONL struct {
	dir      string
	hostname string

	mu    sync.Mutex
	files map[Stream]*os.File
}

type jsonlLine struct {
	Time   int64           `json:"time"`
	Record json.RawMessage `json:"record"`
}

// JSONLFileName is the file holding stream for hostname.
func JSONLFileName(stream Stream, hostname string) string {
	return fmt.Sprintf("gpu-monitor-%s-%s.jsonl", stream, hostname)
}

// OpenJSONL opens both stream files for appending.
func OpenJSONL(dir, hostname string) (*JSONL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &JSONL{dir: dir, hostname: hostname, files: make(map[Stream]*os.File, len(Streams))}
	for _, stream := range Streams {
		path := filepath.Join(dir, JSONLFileName(stream, hostname))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("open %s: %w", path, err), s.Close())
		}
		s.files[stream] = f
	}
	return s, nil
}

func (s *JSONL) Path() string { return s.dir }

func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for stream, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", stream, err))
		}
		delete(s.files, stream)
	}
	return errors.Join(errs...)
}

// Append writes and syncs every record of the tick. Both streams are
// encoded before either file is touched, so a record that cannot be
// encoded leaves the files unchanged.
func (s *JSONL) Append(ctx context.Context, tick record.Tick) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded := make(map[Stream]*bytes.Buffer, len(Streams))
	for _, stream := range Streams {
		buf := &bytes.Buffer{}
		enc := json.NewEncoder(buf)
		for _, rec := range tickRecords(tick, stream) {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode %s record: %w", stream, err)
			}
			if err := enc.Encode(jsonlLine{Time: tick.Time.Unix(), Record: data}); err != nil {
				return fmt.Errorf("encode %s line: %w", stream, err)
			}
		}
		encoded[stream] = buf
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stream := range Streams {
		if _, ok := s.files[stream]; !ok {
			return fmt.Errorf("store closed")
		}
	}
	for _, stream := range Streams {
		buf := encoded[stream]
		if buf.Len() == 0 {
			continue
		}
		f := s.files[stream]
		if _, err := buf.WriteTo(f); err != nil {
			return fmt.Errorf("write %s: %w", stream, err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", stream, err)
		}
	}
	return nil
}

func (s *JSONL) Scan(ctx context.Context, stream Stream, fn func(Entry) error) error {
	if _, err := ParseStream(string(stream)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, JSONLFileName(stream, s.hostname)))
	if err != nil {
		return fmt.Errorf("open %s: %w", stream, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var seq uint64
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		seq++

		var raw jsonlLine
		if err := json.Unmarshal(line, &raw); err != nil {
			return fmt.Errorf("decode %s line %d: %w", stream, seq, err)
		}
		rec, err := decodeRecord(raw.Record)
		if err != nil {
			return fmt.Errorf("decode %s line %d: %w", stream, seq, err)
		}
		if err := fn(Entry{Seq: seq, Time: time.Unix(raw.Time, 0), Record: rec}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *JSONL) Tail(ctx context.Context, stream Stream, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]Entry, 0, n)
	err := s.Scan(ctx, stream, func(e Entry) error {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ring, nil
}
