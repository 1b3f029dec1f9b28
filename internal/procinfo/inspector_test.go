package procinfo

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func assertUnknown(t *testing.T, info Info, pid int) {
	t.Helper()
	if info.PID != pid {
		t.Fatalf("expected pid %d preserved, got %d", pid, info.PID)
	}
	if info.Inspected {
		t.Fatalf("expected failed inspection")
	}
	rec := info.Record()
	for _, key := range []string{KeyRSS, KeyVMS, KeyUser, KeyName, KeyExe, KeyArgs} {
		if rec[key] != Unknown {
			t.Errorf("field %s: expected unknown marker, got %v", key, rec[key])
		}
	}
	if rec[KeyPID] != pid {
		t.Errorf("expected pid field %d, got %v", pid, rec[KeyPID])
	}
}

func assertKnown(t *testing.T, info Info) {
	t.Helper()
	if !info.Inspected {
		t.Fatalf("expected successful inspection of pid %d", info.PID)
	}
	for key, value := range info.Record() {
		if value == Unknown {
			t.Errorf("field %s carries unknown marker", key)
		}
	}
}

func TestGopsutilInspectSelf(t *testing.T) {
	t.Parallel()

	inspector := NewGopsutil(5*time.Second, testLogger())
	pid := os.Getpid()

	info := inspector.Inspect(context.Background(), pid)
	assertKnown(t, info)
	if info.PID != pid {
		t.Fatalf("unexpected pid %d", info.PID)
	}
	if info.Name == "" {
		t.Fatalf("expected process name")
	}
	if info.RSS == 0 {
		t.Fatalf("expected non-zero rss")
	}
	if info.Exe == "" {
		t.Fatalf("expected executable path")
	}
}

func TestGopsutilInspectMissingProcess(t *testing.T) {
	t.Parallel()

	inspector := NewGopsutil(5*time.Second, testLogger())

	for _, pid := range []int{math.MaxInt32 - 1, -5, 0, math.MaxInt32 + 10} {
		info := inspector.Inspect(context.Background(), pid)
		assertUnknown(t, info, pid)
	}
}

func TestUnknownInfoRecord(t *testing.T) {
	t.Parallel()

	assertUnknown(t, UnknownInfo(42), 42)
}

func TestNewSelectsBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backend string
		want    string
	}{
		{backend: "gopsutil", want: BackendGopsutil},
		{backend: "PS", want: BackendPS},
	}
	for _, tc := range tests {
		inspector, err := New(tc.backend, time.Second, nil)
		if err != nil {
			t.Fatalf("New(%q): %v", tc.backend, err)
		}
		if inspector.Name() != tc.want {
			t.Fatalf("New(%q) returned %q", tc.backend, inspector.Name())
		}
	}

	if _, err := New("procfs", time.Second, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}

	auto, err := New("auto", time.Second, nil)
	if err != nil {
		t.Fatalf("New(auto): %v", err)
	}
	if auto.Name() != BackendGopsutil {
		t.Fatalf("expected gopsutil on this platform, got %q", auto.Name())
	}
}
