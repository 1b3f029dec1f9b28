package gpu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/skobkin/gpumon/internal/record"
)

const (
	defaultSMIPath    = "nvidia-smi"
	defaultSMITimeout = 10 * time.Second
)

// CommandFunc runs an external command and returns its stdout.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// SMI queries devices through the nvidia-smi CLI.
type SMI struct {
	path    string
	timeout time.Duration
	run     CommandFunc
	logger  *slog.Logger
}

// SMIOption customises an SMI querier.
type SMIOption func(*SMI)

// WithCommand replaces the command runner, mainly for tests.
func WithCommand(run CommandFunc) SMIOption {
	return func(s *SMI) {
		if run != nil {
			s.run = run
		}
	}
}

// NewSMI constructs an nvidia-smi backed querier.
func NewSMI(path string, timeout time.Duration, logger *slog.Logger, opts ...SMIOption) *SMI {
	if strings.TrimSpace(path) == "" {
		path = defaultSMIPath
	}
	if timeout <= 0 {
		timeout = defaultSMITimeout
	}
	s := &SMI{
		path:    path,
		timeout: timeout,
		run:     runCommand,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SMI) Name() string { return "nvidia-smi" }

func (s *SMI) Close() error { return nil }

// Collect runs the device query then the compute-app query.
func (s *SMI) Collect(ctx context.Context) ([]record.Record, []record.Record, error) {
	devices, err := s.query(ctx, DeviceSchema)
	if err != nil {
		return nil, nil, err
	}
	if len(devices) == 0 {
		return nil, nil, queryError(DeviceSchema.Name(), ErrNoDevices)
	}

	apps, err := s.query(ctx, AppSchema)
	if err != nil {
		return nil, nil, err
	}

	return devices, FilterApps(apps), nil
}

func (s *SMI) query(ctx context.Context, schema Schema) ([]record.Record, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.run(queryCtx, s.path, schema.Args()...)
	if err != nil {
		if errors.Is(err, errNoResults) {
			s.logger.Debug("nvidia-smi reported no results", "query", schema.Name())
			return nil, nil
		}
		if ctxErr := queryCtx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, queryError(schema.Name(), err)
	}

	rows, err := schema.Parse(out)
	if err != nil {
		return nil, queryError(schema.Name(), err)
	}
	return rows, nil
}

var errNoResults = errors.New("nvidia-smi no results")

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(strings.ToLower(msg), "no running processes") {
			return nil, errNoResults
		}
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
