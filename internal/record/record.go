package record

import (
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the tick timestamp format: YYYY:MM:DD:HH:MM:SS in local time.
const TimestampLayout = "2006:01:02:15:04:05"

// GPUPrefix is prepended to device fields merged into a process sample.
const GPUPrefix = "gpu-"

// Reserved keys attached to every process sample.
const (
	KeyTimestamp = "timestamp"
	KeyHostname  = "hostname"
)

// Record is a flat mapping of field names to string or numeric values.
type Record map[string]any

// FormatTimestamp renders t in the tick timestamp layout.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// ParseTimestamp parses a tick timestamp produced by FormatTimestamp.
func ParseTimestamp(value string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, value, time.Local)
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Prefixed returns a copy of r whose keys carry prefix.
func (r Record) Prefixed(prefix string) Record {
	out := make(Record, len(r))
	for key, value := range r {
		out[prefix+key] = value
	}
	return out
}

// Keys returns the record keys in sorted order.
func (r Record) Keys() []string {
	return slices.Sorted(maps.Keys(r))
}

// String returns the value under key if it is a string.
func (r Record) String(key string) (string, bool) {
	value, ok := r[key].(string)
	return value, ok
}

// Float returns the value under key as a number. Numeric strings such as
// "37" or " 45.5" count; markers like "[N/A]" do not.
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Merge folds sources into a new record; later sources win on key collision.
func Merge(sources ...Record) Record {
	size := 0
	for _, src := range sources {
		size += len(src)
	}
	out := make(Record, size)
	for _, src := range sources {
		maps.Copy(out, src)
	}
	return out
}

// Tick is one collection cycle worth of samples.
type Tick struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"-"`
	Timestamp string    `json:"timestamp"`
	Hostname  string    `json:"hostname"`
	GPUs      []Record  `json:"gpus"`
	Processes []Record  `json:"processes"`
}
