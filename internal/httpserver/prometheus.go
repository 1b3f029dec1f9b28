package httpserver

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/procinfo"
	"github.com/skobkin/gpumon/internal/record"
)

const metricsNamespace = "gpumon"

// tickMetricsCollector exposes the numeric fields of the most recent tick.
type tickMetricsCollector struct {
	source  Collector
	gpu     []tickMetric
	process []tickMetric
}

type tickMetric struct {
	desc  *prometheus.Desc
	field string
	scale float64
}

func newTickMetricsCollector(source Collector) *tickMetricsCollector {
	gpuLabels := []string{"bus_id", "index", "name"}
	gpuDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "gpu", name), help, gpuLabels, nil)
	}
	procLabels := []string{"bus_id", "pid", "name", "user"}
	procDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "process", name), help, procLabels, nil)
	}

	return &tickMetricsCollector{
		source: source,
		gpu: []tickMetric{
			{desc: gpuDesc("utilization_percent", "GPU core utilization percentage."), field: record.GPUPrefix + "utilization.gpu", scale: 1},
			{desc: gpuDesc("memory_utilization_percent", "GPU memory controller utilization percentage."), field: record.GPUPrefix + "utilization.memory", scale: 1},
			{desc: gpuDesc("memory_total_bytes", "Total GPU memory."), field: record.GPUPrefix + "memory.total", scale: mib},
			{desc: gpuDesc("memory_used_bytes", "Used GPU memory."), field: record.GPUPrefix + "memory.used", scale: mib},
			{desc: gpuDesc("memory_free_bytes", "Free GPU memory."), field: record.GPUPrefix + "memory.free", scale: mib},
			{desc: gpuDesc("temperature_celsius", "GPU core temperature."), field: record.GPUPrefix + "temperature.gpu", scale: 1},
			{desc: gpuDesc("fan_speed_percent", "GPU fan speed percentage."), field: record.GPUPrefix + "fan.speed", scale: 1},
		},
		process: []tickMetric{
			{desc: procDesc("gpu_memory_bytes", "GPU memory used by the process."), field: gpu.AppFieldMem, scale: mib},
			{desc: procDesc("resident_memory_bytes", "Resident set size of the process."), field: procinfo.KeyRSS, scale: 1},
			{desc: procDesc("virtual_memory_bytes", "Virtual memory size of the process."), field: procinfo.KeyVMS, scale: 1},
		},
	}
}

const mib = 1 << 20

func (c *tickMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.gpu {
		ch <- metric.desc
	}
	for _, metric := range c.process {
		ch <- metric.desc
	}
}

func (c *tickMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	tick, ok := c.source.Latest()
	if !ok {
		return
	}

	for _, row := range tick.GPUs {
		labels := []string{
			stringField(row, record.GPUPrefix+gpu.FieldBusID),
			stringField(row, record.GPUPrefix+gpu.FieldIndex),
			stringField(row, record.GPUPrefix+gpu.FieldName),
		}
		for _, metric := range c.gpu {
			if value, ok := row.Float(metric.field); ok {
				ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value*metric.scale, labels...)
			}
		}
	}

	// The same pid can appear once per GPU, the bus id keeps label sets unique.
	seen := make(map[string]struct{}, len(tick.Processes))
	for _, row := range tick.Processes {
		labels := []string{
			stringField(row, gpu.AppFieldBusID),
			stringField(row, gpu.AppFieldPID),
			stringField(row, procinfo.KeyName),
			stringField(row, procinfo.KeyUser),
		}
		key := strings.Join(labels[:2], "/")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		for _, metric := range c.process {
			if value, ok := row.Float(metric.field); ok {
				ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value*metric.scale, labels...)
			}
		}
	}
}

func stringField(row record.Record, key string) string {
	if value, ok := row.String(key); ok {
		return value
	}
	if value, ok := row[key]; ok && value != nil {
		return fmt.Sprint(value)
	}
	return ""
}

// collectorStatsCollector exports the collection loop counters.
type collectorStatsCollector struct {
	source Collector

	ticks           *prometheus.Desc
	failures        *prometheus.Desc
	samples         *prometheus.Desc
	unmatched       *prometheus.Desc
	inspectFailures *prometheus.Desc
	lastSuccess     *prometheus.Desc
	lastDuration    *prometheus.Desc
}

func newCollectorStatsCollector(source Collector) *collectorStatsCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "collector", name), help, labels, nil)
	}
	return &collectorStatsCollector{
		source:          source,
		ticks:           desc("ticks_total", "Collection ticks attempted since start."),
		failures:        desc("tick_failures_total", "Collection ticks that were not persisted.", "kind"),
		samples:         desc("samples_total", "Samples persisted since start.", "stream"),
		unmatched:       desc("unmatched_rows_total", "Process rows whose GPU bus id matched no device."),
		inspectFailures: desc("inspect_failures_total", "Process inspections that returned unknown values."),
		lastSuccess:     desc("last_success_timestamp_seconds", "Unix time of the last persisted tick."),
		lastDuration:    desc("last_tick_duration_seconds", "Duration of the most recent tick."),
	}
}

func (c *collectorStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ticks
	ch <- c.failures
	ch <- c.samples
	ch <- c.unmatched
	ch <- c.inspectFailures
	ch <- c.lastSuccess
	ch <- c.lastDuration
}

func (c *collectorStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(stats.Ticks))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(stats.DeviceErrors), "device")
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(stats.StoreErrors), "store")
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(stats.OtherErrors), "other")
	ch <- prometheus.MustNewConstMetric(c.samples, prometheus.CounterValue, float64(stats.GPUSamples), "gpu")
	ch <- prometheus.MustNewConstMetric(c.samples, prometheus.CounterValue, float64(stats.ProcessSamples), "process")
	ch <- prometheus.MustNewConstMetric(c.unmatched, prometheus.CounterValue, float64(stats.Unmatched))
	ch <- prometheus.MustNewConstMetric(c.inspectFailures, prometheus.CounterValue, float64(stats.InspectFailures))
	if !stats.LastSuccess.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastSuccess, prometheus.GaugeValue, float64(stats.LastSuccess.UnixNano())/1e9)
	}
	ch <- prometheus.MustNewConstMetric(c.lastDuration, prometheus.GaugeValue, stats.LastDuration.Seconds())
}
