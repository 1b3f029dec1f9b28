package gpu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/skobkin/gpumon/internal/record"
)

// Backend names accepted by NewQuerier.
const (
	BackendSMI  = "smi"
	BackendNVML = "nvml"
)

// Querier collects one consistent view of devices and compute processes.
type Querier interface {
	// Collect returns device rows and filtered compute-app rows.
	// Any failure is reported as *DeviceQueryError.
	Collect(ctx context.Context) (devices []record.Record, apps []record.Record, err error)
	Name() string
	Close() error
}

// QuerierConfig selects and tunes a device query backend.
type QuerierConfig struct {
	Backend string
	SMIPath string
	Timeout time.Duration
}

// NewQuerier builds the backend named in cfg.
func NewQuerier(cfg QuerierConfig, logger *slog.Logger) (Querier, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendSMI:
		return NewSMI(cfg.SMIPath, cfg.Timeout, logger), nil
	case BackendNVML:
		return NewNVML(logger)
	default:
		return nil, fmt.Errorf("unknown device backend %q", cfg.Backend)
	}
}
