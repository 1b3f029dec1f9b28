package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/skobkin/gpumon/internal/record"
)

const (
	notAvailable = "[N/A]"
	mib          = 1024 * 1024
)

// NVML queries devices through the NVIDIA management library and renders
// the same fields and units nvidia-smi would report.
type NVML struct {
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewNVML initialises the library and returns a querier.
func NewNVML(logger *slog.Logger) (*NVML, error) {
	n := &NVML{logger: logger}
	if err := n.init(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *NVML) init() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initialized {
		return nil
	}
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}
	n.initialized = true
	return nil
}

func (n *NVML) Name() string { return "nvml" }

func (n *NVML) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.initialized {
		return nil
	}
	n.initialized = false
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %s", nvml.ErrorString(ret))
	}
	return nil
}

// Collect walks every device handle. Per-field failures are reported
// as "[N/A]" the way nvidia-smi does.
func (n *NVML) Collect(ctx context.Context) ([]record.Record, []record.Record, error) {
	if err := n.init(); err != nil {
		return nil, nil, queryError(DeviceSchema.Name(), err)
	}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, nil, queryError(DeviceSchema.Name(), fmt.Errorf("device count: %s", nvml.ErrorString(ret)))
	}
	if count == 0 {
		return nil, nil, queryError(DeviceSchema.Name(), ErrNoDevices)
	}

	devices := make([]record.Record, 0, count)
	var apps []record.Record
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, queryError(DeviceSchema.Name(), err)
		}

		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, nil, queryError(DeviceSchema.Name(), fmt.Errorf("handle index=%d: %s", i, nvml.ErrorString(ret)))
		}

		row := deviceRow(dev, i)
		devices = append(devices, row)

		busID, _ := row.String(FieldBusID)
		procs, ret := dev.GetComputeRunningProcesses()
		if ret != nvml.SUCCESS {
			n.logger.Debug("compute process query failed", "index", i, "err", nvml.ErrorString(ret))
			continue
		}
		for _, p := range procs {
			apps = append(apps, record.Record{
				AppFieldBusID: busID,
				AppFieldPID:   strconv.FormatUint(uint64(p.Pid), 10),
				AppFieldMem:   usedMemoryMiB(p.UsedGpuMemory),
			})
		}
	}

	return devices, FilterApps(apps), nil
}

func deviceRow(dev nvml.Device, index int) record.Record {
	row := make(record.Record, len(DeviceSchema.fields))
	for _, field := range DeviceSchema.fields {
		row[field] = notAvailable
	}
	row[FieldIndex] = strconv.Itoa(index)

	if name, ret := dev.GetName(); ret == nvml.SUCCESS {
		row[FieldName] = name
	}
	if pci, ret := dev.GetPciInfo(); ret == nvml.SUCCESS {
		row[FieldBusID] = cString(pci.BusId[:])
	}
	if util, ret := dev.GetUtilizationRates(); ret == nvml.SUCCESS {
		row["utilization.gpu"] = strconv.FormatUint(uint64(util.Gpu), 10)
		row["utilization.memory"] = strconv.FormatUint(uint64(util.Memory), 10)
	}
	if mem, ret := dev.GetMemoryInfo(); ret == nvml.SUCCESS {
		row["memory.total"] = strconv.FormatUint(mem.Total/mib, 10)
		row["memory.used"] = strconv.FormatUint(mem.Used/mib, 10)
		row["memory.free"] = strconv.FormatUint(mem.Free/mib, 10)
	}
	if temp, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		row["temperature.gpu"] = strconv.FormatUint(uint64(temp), 10)
	}
	if fan, ret := dev.GetFanSpeed(); ret == nvml.SUCCESS {
		row["fan.speed"] = strconv.FormatUint(uint64(fan), 10)
	}
	return row
}

// usedMemoryMiB renders per-process memory in MiB. NVML reports all bits
// set when the value is unavailable, e.g. under WDDM or MIG.
func usedMemoryMiB(bytes uint64) string {
	if bytes == ^uint64(0) {
		return notAvailable
	}
	return strconv.FormatUint(bytes/mib, 10)
}

// cString converts a NUL terminated C char array.
func cString[T ~int8 | ~uint8](raw []T) string {
	buf := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0 {
			break
		}
		buf = append(buf, byte(c))
	}
	return string(buf)
}
