package correlator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/procinfo"
	"github.com/skobkin/gpumon/internal/record"
)

// DeviceSource yields the device and compute-app rows of one tick.
type DeviceSource interface {
	Collect(ctx context.Context) (devices []record.Record, apps []record.Record, err error)
}

// Result is one correlated tick plus the soft failures absorbed on the way.
type Result struct {
	Tick record.Tick
	// Unmatched counts app rows whose bus id matched no device.
	Unmatched int
	// InspectFailures counts processes that degraded to unknown metadata.
	InspectFailures int
}

// Correlator joins device rows and compute-app rows by bus id.
type Correlator struct {
	source    DeviceSource
	inspector procinfo.Inspector
	hostname  string
	now       func() time.Time
	logger    *slog.Logger
}

// Option customises a Correlator.
type Option func(*Correlator)

// WithClock overrides the tick clock.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Correlator stamping samples with hostname.
func New(source DeviceSource, inspector procinfo.Inspector, hostname string, logger *slog.Logger, opts ...Option) (*Correlator, error) {
	if source == nil {
		return nil, errors.New("device source is required")
	}
	if inspector == nil {
		return nil, errors.New("process inspector is required")
	}
	if hostname == "" {
		return nil, errors.New("hostname is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Correlator{
		source:    source,
		inspector: inspector,
		hostname:  hostname,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Correlate runs one tick. Only a device query failure is returned as an
// error; per-record problems degrade or drop that record.
func (c *Correlator) Correlate(ctx context.Context) (Result, error) {
	devices, apps, err := c.source.Collect(ctx)
	if err != nil {
		return Result{}, err
	}

	now := c.now()
	tick := record.Tick{
		ID:        uuid.NewString(),
		Time:      now,
		Timestamp: record.FormatTimestamp(now),
		Hostname:  c.hostname,
		GPUs:      make([]record.Record, 0, len(devices)),
		Processes: make([]record.Record, 0, len(apps)),
	}
	logger := c.logger.With("tick_id", tick.ID)

	// Device rows are stored under the same gpu- keys they carry inside
	// process samples.
	byBusID := make(map[string]record.Record, len(devices))
	for _, dev := range devices {
		prefixed := dev.Prefixed(record.GPUPrefix)
		tick.GPUs = append(tick.GPUs, prefixed)

		busID, _ := dev.String(gpu.FieldBusID)
		if _, dup := byBusID[busID]; dup {
			logger.Warn("duplicate bus id in device query", "bus_id", busID)
			continue
		}
		byBusID[busID] = prefixed
	}

	result := Result{}
	for _, app := range apps {
		busID, _ := app.String(gpu.AppFieldBusID)
		dev, ok := byBusID[busID]
		if !ok {
			result.Unmatched++
			logger.Debug("dropping process row with unknown bus id", "bus_id", busID, "pid", app[gpu.AppFieldPID])
			continue
		}

		info, fields := c.inspect(ctx, app)
		if !info.Inspected {
			result.InspectFailures++
		}

		sample := record.Merge(app, dev, fields)
		sample[record.KeyTimestamp] = tick.Timestamp
		sample[record.KeyHostname] = tick.Hostname
		tick.Processes = append(tick.Processes, sample)
	}

	result.Tick = tick
	return result, nil
}

// inspect returns process metadata and its record fields for an app row.
// A pid that is not an integer cannot be inspected; its raw value is kept
// from the app row.
func (c *Correlator) inspect(ctx context.Context, app record.Record) (procinfo.Info, record.Record) {
	rawPID, _ := app.String(gpu.AppFieldPID)
	pid, err := strconv.Atoi(rawPID)
	if err != nil {
		info := procinfo.UnknownInfo(0)
		fields := info.Record()
		delete(fields, procinfo.KeyPID)
		return info, fields
	}
	info := c.inspector.Inspect(ctx, pid)
	return info, info.Record()
}
