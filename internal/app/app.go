// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/gpumon/internal/collector"
	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/correlator"
	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/httpserver"
	"github.com/skobkin/gpumon/internal/procinfo"
	"github.com/skobkin/gpumon/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Pipeline is the device query, inspection and correlation chain built
// from configuration.
type Pipeline struct {
	Devices    []gpu.PCIDevice
	Querier    gpu.Querier
	Inspector  procinfo.Inspector
	Correlator *correlator.Correlator
}

// NewPipeline constructs the collection chain. PCI discovery failures are
// logged and tolerated since the device query is authoritative.
func NewPipeline(cfg config.Config, baseLogger *slog.Logger) (*Pipeline, error) {
	appLogger := baseLogger.With("component", "app")

	devices, err := gpu.Discover(cfg.SysfsRoot, baseLogger.With("component", "gpu_discovery"))
	if err != nil {
		appLogger.Warn("pci discovery failed", "err", err)
	}
	nvidia := make([]gpu.PCIDevice, 0, len(devices))
	for _, dev := range devices {
		if dev.NVIDIA() {
			nvidia = append(nvidia, dev)
		}
	}
	appLogger.Info("discovered NVIDIA adapters", "count", len(nvidia), "display_devices", len(devices))

	querier, err := gpu.NewQuerier(gpu.QuerierConfig{
		Backend: cfg.Device.Backend,
		SMIPath: cfg.Device.SMIPath,
		Timeout: cfg.Device.QueryTimeout,
	}, baseLogger.With("component", "device_query"))
	if err != nil {
		return nil, fmt.Errorf("init device query: %w", err)
	}

	inspector, err := procinfo.New(cfg.Inspect.Backend, cfg.Inspect.Timeout, baseLogger.With("component", "procinfo"))
	if err != nil {
		_ = querier.Close()
		return nil, fmt.Errorf("init process inspector: %w", err)
	}

	corr, err := correlator.New(querier, inspector, cfg.Hostname, baseLogger.With("component", "correlator"))
	if err != nil {
		_ = querier.Close()
		return nil, fmt.Errorf("init correlator: %w", err)
	}

	appLogger.Info("collection pipeline ready",
		"device_backend", querier.Name(),
		"inspect_backend", inspector.Name(),
		"hostname", cfg.Hostname,
	)

	return &Pipeline{
		Devices:    nvidia,
		Querier:    querier,
		Inspector:  inspector,
		Correlator: corr,
	}, nil
}

// Close releases the device query backend.
func (p *Pipeline) Close() error {
	return p.Querier.Close()
}

// Run bootstraps the application lifecycle: it collects until ctx is
// canceled and serves HTTP when a listen address is configured.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	pipeline, err := NewPipeline(cfg, baseLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			appLogger.Warn("device query close", "err", err)
		}
	}()

	st, err := store.Open(cfg.StoreFormat, cfg.DBPath, cfg.Hostname)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			appLogger.Warn("store close", "err", err)
		}
	}()
	appLogger.Info("store opened", "format", cfg.StoreFormat, "path", st.Path())

	manager, err := collector.NewManager(cfg.Interval, pipeline.Correlator, st, baseLogger)
	if err != nil {
		return fmt.Errorf("init collector: %w", err)
	}

	collectorCtx, collectorCancel := context.WithCancel(ctx)
	defer collectorCancel()

	collectorErrCh := make(chan error, 1)
	go func() {
		collectorErrCh <- manager.Run(collectorCtx)
	}()

	if cfg.ListenAddr == "" {
		err := <-collectorErrCh
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		appLogger.Info("shutdown complete")
		return nil
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), pipeline.Devices, manager, st)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			collectorCancel()
			if err != nil {
				return err
			}
			if collectorErrCh != nil {
				if collErr := <-collectorErrCh; collErr != nil && !errors.Is(collErr, context.Canceled) {
					return collErr
				}
			}
			return nil
		case err := <-collectorErrCh:
			collectorErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			collectorCancel()
			if collectorErrCh != nil {
				if collErr := <-collectorErrCh; collErr != nil && !errors.Is(collErr, context.Canceled) {
					return collErr
				}
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}
