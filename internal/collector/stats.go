package collector

import "time"

// Stats are cumulative counters since start.
type Stats struct {
	Ticks           uint64        `json:"ticks"`
	DeviceErrors    uint64        `json:"device_errors"`
	StoreErrors     uint64        `json:"store_errors"`
	OtherErrors     uint64        `json:"other_errors"`
	GPUSamples      uint64        `json:"gpu_samples"`
	ProcessSamples  uint64        `json:"process_samples"`
	Unmatched       uint64        `json:"unmatched_rows"`
	InspectFailures uint64        `json:"inspect_failures"`
	LastSuccess     time.Time     `json:"last_success"`
	LastDuration    time.Duration `json:"last_duration_ns"`
	LastError       string        `json:"last_error,omitempty"`
}

// Failed is the number of ticks that were not persisted.
func (s Stats) Failed() uint64 {
	return s.DeviceErrors + s.StoreErrors + s.OtherErrors
}

type failureKind int

const (
	failureDevice failureKind = iota
	failureStore
	failureOther
)
