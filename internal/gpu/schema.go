package gpu

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/skobkin/gpumon/internal/record"
)

// Device and compute-app field names used as join keys.
const (
	FieldName     = "name"
	FieldBusID    = "pci.bus_id"
	FieldIndex    = "index"
	AppFieldBusID = "gpu_bus_id"
	AppFieldPID   = "pid"
	AppFieldMem   = "used_gpu_memory"
)

// Schema declares the ordered field list of one nvidia-smi query.
// The same list renders the query argument and names the parsed columns,
// so query order and parse order cannot drift apart.
type Schema struct {
	name   string
	flag   string
	fields []string
	// pad tolerates short lines by filling missing columns with "".
	pad bool
}

// DeviceSchema describes the per-GPU query.
var DeviceSchema = Schema{
	name: "devices",
	flag: "--query-gpu",
	fields: []string{
		FieldName,
		FieldBusID,
		FieldIndex,
		"utilization.gpu",
		"utilization.memory",
		"memory.total",
		"memory.used",
		"memory.free",
		"temperature.gpu",
		"fan.speed",
	},
}

// AppSchema describes the per-compute-process query.
var AppSchema = Schema{
	name:   "apps",
	flag:   "--query-compute-apps",
	fields: []string{AppFieldBusID, AppFieldPID, AppFieldMem},
	pad:    true,
}

// Name identifies the query in logs and errors.
func (s Schema) Name() string { return s.name }

// Fields returns a copy of the ordered field list.
func (s Schema) Fields() []string {
	return append([]string(nil), s.fields...)
}

// Args renders the nvidia-smi arguments for this schema.
func (s Schema) Args() []string {
	return []string{
		s.flag + "=" + strings.Join(s.fields, ","),
		"--format=csv,noheader,nounits",
	}
}

// ParseLine zips one comma separated line against the schema.
func (s Schema) ParseLine(line string) (record.Record, error) {
	values := strings.Split(line, ",")
	if len(values) > len(s.fields) || (!s.pad && len(values) < len(s.fields)) {
		return nil, fmt.Errorf("%s: expected %d columns, got %d", s.name, len(s.fields), len(values))
	}

	rec := make(record.Record, len(s.fields))
	for i, field := range s.fields {
		value := ""
		if i < len(values) {
			value = strings.TrimSpace(values[i])
		}
		rec[field] = value
	}
	return rec, nil
}

// Parse converts full tool output into records, skipping blank lines.
func (s Schema) Parse(output []byte) ([]record.Record, error) {
	var out []record.Record
	scanner := bufio.NewScanner(bytes.NewReader(output))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := s.ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s output: %w", s.name, err)
	}
	return out, nil
}

// FilterApps drops compute-app rows without a bus id or pid.
func FilterApps(rows []record.Record) []record.Record {
	out := rows[:0:0]
	for _, row := range rows {
		busID, _ := row.String(AppFieldBusID)
		pid, _ := row.String(AppFieldPID)
		if busID == "" || pid == "" {
			continue
		}
		out = append(out, row)
	}
	return out
}
