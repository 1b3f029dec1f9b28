package gpu

import (
	"reflect"
	"strings"
	"testing"
)

func TestSchemaArgsFollowFieldOrder(t *testing.T) {
	t.Parallel()

	args := DeviceSchema.Args()
	want := "--query-gpu=name,pci.bus_id,index,utilization.gpu,utilization.memory,memory.total,memory.used,memory.free,temperature.gpu,fan.speed"
	if args[0] != want {
		t.Fatalf("unexpected device query arg %q", args[0])
	}
	if args[1] != "--format=csv,noheader,nounits" {
		t.Fatalf("unexpected format arg %q", args[1])
	}

	apps := AppSchema.Args()
	if apps[0] != "--query-compute-apps=gpu_bus_id,pid,used_gpu_memory" {
		t.Fatalf("unexpected apps query arg %q", apps[0])
	}
}

func TestSchemaParseTrimsAndZips(t *testing.T) {
	t.Parallel()

	rows, err := DeviceSchema.Parse([]byte("Tesla T4, 0000:00:1E.0 ,0,45,20,16384,1024,15360,62,30\n"))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}

	row := rows[0]
	for field, want := range map[string]string{
		"name":            "Tesla T4",
		"pci.bus_id":      "0000:00:1E.0",
		"index":           "0",
		"utilization.gpu": "45",
		"memory.free":     "15360",
		"fan.speed":       "30",
	} {
		if got := row[field]; got != want {
			t.Errorf("field %s: expected %q, got %v", field, want, got)
		}
	}
	if len(row) != len(DeviceSchema.Fields()) {
		t.Fatalf("expected %d fields, got %d", len(DeviceSchema.Fields()), len(row))
	}
}

func TestSchemaParseKeepsUnparsableNumbers(t *testing.T) {
	t.Parallel()

	rows, err := DeviceSchema.Parse([]byte("Tesla T4,0000:00:1E.0,0,[N/A],20,16384,1024,15360,62,[Not Supported]\n"))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if rows[0]["utilization.gpu"] != "[N/A]" {
		t.Fatalf("unexpected utilization %v", rows[0]["utilization.gpu"])
	}
	if rows[0]["fan.speed"] != "[Not Supported]" {
		t.Fatalf("unexpected fan speed %v", rows[0]["fan.speed"])
	}
}

func TestSchemaParseRejectsColumnMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		schema Schema
		input  string
	}{
		{name: "short device line", schema: DeviceSchema, input: "Tesla T4,0000:00:1E.0,0\n"},
		{name: "long device line", schema: DeviceSchema, input: "a,b,c,d,e,f,g,h,i,j,k\n"},
		{name: "long app line", schema: AppSchema, input: "0000:00:1E.0,1,2,3\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.schema.Parse([]byte(tc.input)); err == nil {
				t.Fatalf("expected error for %q", tc.input)
			}
		})
	}
}

func TestSchemaParseIsIdempotent(t *testing.T) {
	t.Parallel()

	output := []byte(strings.Join([]string{
		"Tesla T4,0000:00:1E.0,0,45,20,16384,1024,15360,62,30",
		"",
		"Tesla T4,0000:00:1F.0,1,0,0,16384,0,16384,40,30",
	}, "\n"))

	first, err := DeviceSchema.Parse(output)
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	second, err := DeviceSchema.Parse(output)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("parse results differ:\n%v\n%v", first, second)
	}
	if len(first) != 2 {
		t.Fatalf("expected blank line to be skipped, got %d rows", len(first))
	}
}

func TestFilterAppsDropsSentinelLines(t *testing.T) {
	t.Parallel()

	rows, err := AppSchema.Parse([]byte("0000:00:1E.0,1234,512\nNo running processes found\n,,\n0000:00:1E.0,,100\n0000:00:1E.0,99,[N/A]\n"))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	apps := FilterApps(rows)
	if len(apps) != 2 {
		t.Fatalf("expected 2 apps, got %d: %v", len(apps), apps)
	}
	if apps[0]["pid"] != "1234" || apps[1]["pid"] != "99" {
		t.Fatalf("unexpected app order: %v", apps)
	}
	if apps[1]["used_gpu_memory"] != "[N/A]" {
		t.Fatalf("expected unparsable memory to be kept, got %v", apps[1]["used_gpu_memory"])
	}
}
