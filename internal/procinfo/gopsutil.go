package procinfo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Gopsutil inspects processes through the gopsutil process API.
type Gopsutil struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewGopsutil constructs a gopsutil backed inspector.
func NewGopsutil(timeout time.Duration, logger *slog.Logger) *Gopsutil {
	return &Gopsutil{timeout: timeout, logger: logger}
}

func (g *Gopsutil) Name() string { return BackendGopsutil }

func (g *Gopsutil) Inspect(ctx context.Context, pid int) Info {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	info, err := g.inspect(ctx, pid)
	if err != nil {
		g.logger.Debug("process inspection failed", "pid", pid, "err", err)
		return UnknownInfo(pid)
	}
	return info
}

func (g *Gopsutil) inspect(ctx context.Context, pid int) (Info, error) {
	if pid <= 0 || pid > math.MaxInt32 {
		return Info{}, fmt.Errorf("pid %d out of range", pid)
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Info{}, fmt.Errorf("open process: %w", err)
	}

	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("memory info: %w", err)
	}
	userName, err := proc.UsernameWithContext(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("username: %w", err)
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("name: %w", err)
	}
	exe, err := proc.ExeWithContext(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("exe: %w", err)
	}
	args, err := proc.CmdlineSliceWithContext(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("cmdline: %w", err)
	}

	return Info{
		PID:       pid,
		RSS:       mem.RSS,
		VMS:       mem.VMS,
		User:      userName,
		Name:      name,
		Exe:       exe,
		Args:      strings.Join(args, " "),
		Inspected: true,
	}, nil
}
