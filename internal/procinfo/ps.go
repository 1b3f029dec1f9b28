package procinfo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultPSPath = "ps"

// CommandFunc runs an external command and returns its stdout.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// PS inspects processes by shelling out to ps(1).
type PS struct {
	path     string
	timeout  time.Duration
	run      CommandFunc
	lookPath func(string) (string, error)
	logger   *slog.Logger
}

// PSOption customises a PS inspector.
type PSOption func(*PS)

// WithCommand replaces the command runner, mainly for tests.
func WithCommand(run CommandFunc) PSOption {
	return func(p *PS) {
		if run != nil {
			p.run = run
		}
	}
}

// NewPS constructs a ps backed inspector.
func NewPS(path string, timeout time.Duration, logger *slog.Logger, opts ...PSOption) *PS {
	if strings.TrimSpace(path) == "" {
		path = defaultPSPath
	}
	p := &PS{
		path:     path,
		timeout:  timeout,
		run:      runCommand,
		lookPath: exec.LookPath,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PS) Name() string { return BackendPS }

func (p *PS) Inspect(ctx context.Context, pid int) Info {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	info, err := p.inspect(ctx, pid)
	if err != nil {
		p.logger.Debug("process inspection failed", "pid", pid, "err", err)
		return UnknownInfo(pid)
	}
	return info
}

// inspect issues two queries since comm may contain blanks and args is
// only unambiguous as the last column.
func (p *PS) inspect(ctx context.Context, pid int) (Info, error) {
	if pid <= 0 {
		return Info{}, fmt.Errorf("pid %d out of range", pid)
	}
	pidArg := strconv.Itoa(pid)

	out, err := p.run(ctx, p.path, "-p", pidArg, "-o", "pid=", "-o", "rss=", "-o", "vsz=", "-o", "user=", "-o", "args=")
	if err != nil {
		return Info{}, fmt.Errorf("ps stat: %w", err)
	}
	info, err := parseStatLine(pid, string(out))
	if err != nil {
		return Info{}, err
	}

	out, err = p.run(ctx, p.path, "-p", pidArg, "-o", "comm=")
	if err != nil {
		return Info{}, fmt.Errorf("ps comm: %w", err)
	}
	info.Name = strings.TrimSpace(string(out))
	if info.Name == "" {
		return Info{}, fmt.Errorf("ps comm: empty output")
	}

	info.Exe = p.resolveExe(info.Args)
	info.Inspected = true
	return info, nil
}

func parseStatLine(pid int, output string) (Info, error) {
	line := strings.TrimSpace(output)
	if line == "" {
		return Info{}, fmt.Errorf("ps stat: process %d not found", pid)
	}
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}

	fields := strings.Fields(line)
	if len(fields) < 4 {
		return Info{}, fmt.Errorf("ps stat: unexpected line %q", line)
	}

	gotPID, err := strconv.Atoi(fields[0])
	if err != nil || gotPID != pid {
		return Info{}, fmt.Errorf("ps stat: unexpected pid column %q", fields[0])
	}
	rssKB, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Info{}, fmt.Errorf("ps stat: parse rss: %w", err)
	}
	vszKB, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Info{}, fmt.Errorf("ps stat: parse vsz: %w", err)
	}

	return Info{
		PID:  pid,
		RSS:  rssKB * 1024,
		VMS:  vszKB * 1024,
		User: fields[3],
		Args: strings.Join(fields[4:], " "),
	}, nil
}

// resolveExe approximates the executable path from argv[0].
func (p *PS) resolveExe(args string) string {
	argv0, _, _ := strings.Cut(args, " ")
	if argv0 == "" || filepath.IsAbs(argv0) {
		return argv0
	}
	if resolved, err := p.lookPath(argv0); err == nil {
		return resolved
	}
	return argv0
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
