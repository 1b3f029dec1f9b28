package api

import (
	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/record"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	Hostname   string          `json:"hostname"`
	Devices    []gpu.PCIDevice `json:"devices"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, hostname string, devices []gpu.PCIDevice, features map[string]bool) HelloMessage {
	if devices == nil {
		devices = []gpu.PCIDevice{}
	}
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Hostname:   hostname,
		Devices:    devices,
		Features:   features,
	}
}

// TickMessage wraps one collection tick for transport.
type TickMessage struct {
	Type string `json:"type"`
	record.Tick
}

// NewTickMessage constructs a tick payload.
func NewTickMessage(tick record.Tick) TickMessage {
	return TickMessage{
		Type: "tick",
		Tick: tick,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
