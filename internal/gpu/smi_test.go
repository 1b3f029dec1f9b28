package gpu

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"
)

type fakeSMI struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeSMI) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	key := strings.SplitN(args[0], "=", 2)[0]
	f.calls = append(f.calls, key)
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return []byte(f.outputs[key]), nil
}

func newTestSMI(f *fakeSMI) *SMI {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSMI("nvidia-smi", time.Second, logger, WithCommand(f.run))
}

func TestSMICollect(t *testing.T) {
	t.Parallel()

	f := &fakeSMI{outputs: map[string]string{
		"--query-gpu":          "Tesla T4,0000:00:1E.0,0,45,20,16384,1024,15360,62,30\n",
		"--query-compute-apps": "0000:00:1E.0,1234,512\n",
	}}

	devices, apps, err := newTestSMI(f).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if len(devices) != 1 || len(apps) != 1 {
		t.Fatalf("unexpected counts devices=%d apps=%d", len(devices), len(apps))
	}
	if got := strings.Join(f.calls, ","); got != "--query-gpu,--query-compute-apps" {
		t.Fatalf("unexpected call order %q", got)
	}
}

func TestSMICollectNoProcesses(t *testing.T) {
	t.Parallel()

	f := &fakeSMI{
		outputs: map[string]string{"--query-gpu": "Tesla T4,0000:00:1E.0,0,45,20,16384,1024,15360,62,30\n"},
		errs:    map[string]error{"--query-compute-apps": errNoResults},
	}

	devices, apps, err := newTestSMI(f).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if len(apps) != 0 {
		t.Fatalf("expected no apps, got %v", apps)
	}
}

func TestSMICollectFailures(t *testing.T) {
	t.Parallel()

	gpuLine := "Tesla T4,0000:00:1E.0,0,45,20,16384,1024,15360,62,30\n"
	tests := []struct {
		name    string
		fake    *fakeSMI
		query   string
		wantErr error
	}{
		{
			name:    "tool missing",
			fake:    &fakeSMI{errs: map[string]error{"--query-gpu": exec.ErrNotFound}},
			query:   "devices",
			wantErr: exec.ErrNotFound,
		},
		{
			name:    "empty device output",
			fake:    &fakeSMI{outputs: map[string]string{"--query-gpu": "\n"}},
			query:   "devices",
			wantErr: ErrNoDevices,
		},
		{
			name:  "malformed device line",
			fake:  &fakeSMI{outputs: map[string]string{"--query-gpu": "Tesla T4,0000:00:1E.0\n"}},
			query: "devices",
		},
		{
			name: "apps query fails",
			fake: &fakeSMI{
				outputs: map[string]string{"--query-gpu": gpuLine},
				errs:    map[string]error{"--query-compute-apps": errors.New("exit status 9")},
			},
			query: "apps",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := newTestSMI(tc.fake).Collect(context.Background())
			var qerr *DeviceQueryError
			if !errors.As(err, &qerr) {
				t.Fatalf("expected DeviceQueryError, got %v", err)
			}
			if qerr.Query != tc.query {
				t.Fatalf("expected query %q, got %q", tc.query, qerr.Query)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v in chain, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSMICollectTimeout(t *testing.T) {
	t.Parallel()

	blocking := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, errors.New("signal: killed")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	smi := NewSMI("nvidia-smi", 20*time.Millisecond, logger, WithCommand(blocking))

	_, _, err := smi.Collect(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunCommandMissingBinary(t *testing.T) {
	t.Parallel()

	_, err := runCommand(context.Background(), "gpumon-definitely-missing-binary")
	if !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewQuerierRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	if _, err := NewQuerier(QuerierConfig{Backend: "rocm"}, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	q, err := NewQuerier(QuerierConfig{}, nil)
	if err != nil {
		t.Fatalf("default backend: %v", err)
	}
	if q.Name() != "nvidia-smi" {
		t.Fatalf("unexpected default backend %q", q.Name())
	}
}

func TestCString(t *testing.T) {
	t.Parallel()

	signed := []int8{'0', '0', ':', '1', 0, 'x'}
	if got := cString(signed); got != "00:1" {
		t.Fatalf("unexpected signed conversion %q", got)
	}
	unsigned := []uint8{'a', 'b'}
	if got := cString(unsigned); got != "ab" {
		t.Fatalf("unexpected unsigned conversion %q", got)
	}
}
