package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/record"
	"github.com/skobkin/gpumon/internal/store"
)

// ErrNoSamples is returned when there is nothing to chart.
var ErrNoSamples = errors.New("no gpu samples to chart")

const chartTimeLayout = "01-02 15:04:05"

type chartMetric struct {
	field string
	title string
	unit  string
}

var gpuChartMetrics = []chartMetric{
	{field: record.GPUPrefix + "utilization.gpu", title: "GPU utilization", unit: "%"},
	{field: record.GPUPrefix + "utilization.memory", title: "Memory controller utilization", unit: "%"},
	{field: record.GPUPrefix + "memory.used", title: "Memory used", unit: "MiB"},
	{field: record.GPUPrefix + "temperature.gpu", title: "Temperature", unit: "°C"},
	{field: record.GPUPrefix + "fan.speed", title: "Fan speed", unit: "%"},
}

// gpuSeries holds one value per tick for one device, keyed by tick time in
// unix nanoseconds.
type gpuSeries struct {
	label  string
	values map[string]map[int64]float64
}

// WriteCharts renders an HTML page with one line chart per GPU metric and
// a bar chart of process samples per tick.
func WriteCharts(ctx context.Context, src Source, hostname string, w io.Writer) error {
	series := make(map[string]*gpuSeries)
	var times []int64
	seen := make(map[int64]struct{})

	err := src.Scan(ctx, store.StreamGPU, func(entry store.Entry) error {
		busID, _ := entry.Record.String(record.GPUPrefix + gpu.FieldBusID)
		if busID == "" {
			return nil
		}
		at := entry.Time.UnixNano()
		s, ok := series[busID]
		if !ok {
			s = &gpuSeries{label: seriesLabel(entry.Record, busID), values: make(map[string]map[int64]float64)}
			series[busID] = s
		}
		for _, metric := range gpuChartMetrics {
			value, ok := entry.Record.Float(metric.field)
			if !ok {
				continue
			}
			if s.values[metric.field] == nil {
				s.values[metric.field] = make(map[int64]float64)
			}
			s.values[metric.field][at] = value
		}
		if _, ok := seen[at]; !ok {
			seen[at] = struct{}{}
			times = append(times, at)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read gpu samples: %w", err)
	}
	if len(series) == 0 {
		return ErrNoSamples
	}

	procCounts := make(map[int64]int)
	err = src.Scan(ctx, store.StreamProcess, func(entry store.Entry) error {
		procCounts[entry.Time.UnixNano()]++
		return nil
	})
	if err != nil {
		return fmt.Errorf("read process samples: %w", err)
	}

	slices.Sort(times)
	labels := make([]string, len(times))
	for i, t := range times {
		labels[i] = time.Unix(0, t).Local().Format(chartTimeLayout)
	}

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("GPU usage - %s", hostname)

	busIDs := slices.Sorted(maps.Keys(series))
	for _, metric := range gpuChartMetrics {
		line := newLineChart(metric)
		line.SetXAxis(labels)
		added := false
		for _, busID := range busIDs {
			values := series[busID].values[metric.field]
			if len(values) == 0 {
				continue
			}
			data := make([]opts.LineData, len(times))
			for i, t := range times {
				if v, ok := values[t]; ok {
					data[i] = opts.LineData{Value: v}
				} else {
					data[i] = opts.LineData{Value: "-"}
				}
			}
			line.AddSeries(series[busID].label, data,
				charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true), ShowSymbol: opts.Bool(len(times) < 200)}),
			)
			added = true
		}
		if added {
			page.AddCharts(line)
		}
	}

	page.AddCharts(newProcessChart(times, labels, procCounts))

	if err := page.Render(w); err != nil {
		return fmt.Errorf("render charts: %w", err)
	}
	return nil
}

func newLineChart(metric chartMetric) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: metric.title, Subtitle: metric.unit}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", AxisLabel: &opts.AxisLabel{Rotate: 45}}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "400px"}),
	)
	return line
}

func newProcessChart(times []int64, labels []string, counts map[int64]int) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "GPU processes per tick"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", AxisLabel: &opts.AxisLabel{Rotate: 45}}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "300px"}),
	)

	data := make([]opts.BarData, len(times))
	for i, t := range times {
		data[i] = opts.BarData{Value: counts[t]}
	}
	bar.SetXAxis(labels).AddSeries("processes", data)
	return bar
}

func seriesLabel(rec record.Record, busID string) string {
	name, _ := rec.String(record.GPUPrefix + gpu.FieldName)
	index, _ := rec.String(record.GPUPrefix + gpu.FieldIndex)
	switch {
	case name != "" && index != "":
		return fmt.Sprintf("%s: %s (%s)", index, name, busID)
	case name != "":
		return fmt.Sprintf("%s (%s)", name, busID)
	default:
		return busID
	}
}
