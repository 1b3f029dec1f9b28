package procinfo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/skobkin/gpumon/internal/record"
)

// Unknown marks a field whose process could not be inspected.
const Unknown = "unknown"

// Keys of the process metadata merged into a process sample.
const (
	KeyPID  = "pid"
	KeyRSS  = "system_memory_rss"
	KeyVMS  = "system_memory_vms"
	KeyUser = "user"
	KeyName = "name"
	KeyExe  = "exe"
	KeyArgs = "args"
)

// Backend names accepted by New.
const (
	BackendAuto     = "auto"
	BackendGopsutil = "gopsutil"
	BackendPS       = "ps"
)

const defaultTimeout = 5 * time.Second

// Info is host-level metadata for one process. Memory is in bytes.
type Info struct {
	PID  int
	RSS  uint64
	VMS  uint64
	User string
	Name string
	Exe  string
	Args string
	// Inspected is false when the lookup failed and every field but PID is Unknown.
	Inspected bool
}

// UnknownInfo is the degraded result of a failed inspection.
func UnknownInfo(pid int) Info {
	return Info{
		PID:  pid,
		User: Unknown,
		Name: Unknown,
		Exe:  Unknown,
		Args: Unknown,
	}
}

// Record renders the info as sample fields.
func (i Info) Record() record.Record {
	rec := record.Record{
		KeyPID:  i.PID,
		KeyUser: i.User,
		KeyName: i.Name,
		KeyExe:  i.Exe,
		KeyArgs: i.Args,
	}
	if i.Inspected {
		rec[KeyRSS] = i.RSS
		rec[KeyVMS] = i.VMS
	} else {
		rec[KeyRSS] = Unknown
		rec[KeyVMS] = Unknown
	}
	return rec
}

// Inspector looks up live process metadata. Inspect never fails: a process
// that vanished or cannot be read yields UnknownInfo.
type Inspector interface {
	Inspect(ctx context.Context, pid int) Info
	Name() string
}

// New returns the inspector for backend. "auto" prefers gopsutil when it
// supports the platform and falls back to ps.
func New(backend string, timeout time.Duration, logger *slog.Logger) (Inspector, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendAuto:
		if gopsutilAvailable() {
			return NewGopsutil(timeout, logger), nil
		}
		if _, err := exec.LookPath(defaultPSPath); err == nil {
			logger.Info("gopsutil unsupported on this platform, using ps")
			return NewPS(defaultPSPath, timeout, logger), nil
		}
		return nil, fmt.Errorf("no process inspector available")
	case BackendGopsutil:
		return NewGopsutil(timeout, logger), nil
	case BackendPS:
		return NewPS(defaultPSPath, timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown inspector backend %q", backend)
	}
}

func gopsutilAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	exists, err := process.PidExistsWithContext(ctx, int32(os.Getpid()))
	return err == nil && exists
}
