package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/skobkin/gpumon/internal/record"
)

const keySize = 16

// Bolt keeps both streams as buckets of one bbolt file.
type Bolt struct {
	db   *bolt.DB
	path string
}

// BoltFileName is the database file used for hostname.
func BoltFileName(hostname string) string {
	return fmt.Sprintf("gpu-monitor-%s.db", hostname)
}

// OpenBolt opens the database for hostname under dir, creating buckets as needed.
func OpenBolt(dir, hostname string) (*Bolt, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	path := filepath.Join(dir, BoltFileName(hostname))
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, stream := range Streams {
			if _, err := tx.CreateBucketIfNotExists([]byte(stream)); err != nil {
				return fmt.Errorf("create bucket %s: %w", stream, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	return &Bolt{db: db, path: path}, nil
}

func (b *Bolt) Path() string { return b.path }

func (b *Bolt) Close() error {
	return b.db.Close()
}

// Append writes both streams of a tick in one transaction.
func (b *Bolt) Append(ctx context.Context, tick record.Tick) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		for _, stream := range Streams {
			bucket := tx.Bucket([]byte(stream))
			for _, rec := range tickRecords(tick, stream) {
				seq, err := bucket.NextSequence()
				if err != nil {
					return fmt.Errorf("next sequence %s: %w", stream, err)
				}
				data, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("encode %s record: %w", stream, err)
				}
				if err := bucket.Put(encodeKey(seq, tick.Time), data); err != nil {
					return fmt.Errorf("put %s record: %w", stream, err)
				}
			}
		}
		return nil
	})
}

func (b *Bolt) Scan(ctx context.Context, stream Stream, fn func(Entry) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(stream))
		if bucket == nil {
			return fmt.Errorf("unknown stream %q", stream)
		}
		return bucket.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry, err := decodeEntry(k, v)
			if err != nil {
				return err
			}
			return fn(entry)
		})
	})
}

func (b *Bolt) Tail(ctx context.Context, stream Stream, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, n)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(stream))
		if bucket == nil {
			return fmt.Errorf("unknown stream %q", stream)
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < n; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry, err := decodeEntry(k, v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Count returns the number of stored records in stream.
func (b *Bolt) Count(stream Stream) (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(stream))
		if bucket == nil {
			return fmt.Errorf("unknown stream %q", stream)
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}

// encodeKey orders by insertion sequence and carries the tick time.
func encodeKey(seq uint64, t time.Time) []byte {
	key := make([]byte, keySize)
	binary.BigEndian.PutUint64(key[:8], seq)
	binary.BigEndian.PutUint64(key[8:], uint64(t.Unix()))
	return key
}

func decodeEntry(k, v []byte) (Entry, error) {
	if len(k) != keySize {
		return Entry{}, fmt.Errorf("malformed key of %d bytes", len(k))
	}
	rec, err := decodeRecord(v)
	if err != nil {
		return Entry{}, fmt.Errorf("decode record %x: %w", k, err)
	}
	return Entry{
		Seq:    binary.BigEndian.Uint64(k[:8]),
		Time:   time.Unix(int64(binary.BigEndian.Uint64(k[8:])), 0),
		Record: rec,
	}, nil
}
