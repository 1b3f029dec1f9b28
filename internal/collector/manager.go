package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skobkin/gpumon/internal/correlator"
	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/record"
	"github.com/skobkin/gpumon/internal/store"
)

// Correlator produces one correlated tick.
type Correlator interface {
	Correlate(ctx context.Context) (correlator.Result, error)
}

// Manager runs collection ticks on a fixed interval, persists them,
// caches the latest tick and fans it out to subscribers.
type Manager struct {
	interval   time.Duration
	correlator Correlator
	sink       store.Sink
	logger     *slog.Logger

	mu          sync.RWMutex
	latest      *record.Tick
	stats       Stats
	subscribers map[*subscriber]struct{}
	closeOnce   sync.Once
}

// NewManager builds a Manager that writes every tick to sink.
func NewManager(interval time.Duration, corr Correlator, sink store.Sink, logger *slog.Logger) (*Manager, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("interval must be >= 1s")
	}
	if corr == nil {
		return nil, errors.New("correlator is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		interval:    interval,
		correlator:  corr,
		sink:        sink,
		logger:      logger.With("component", "collector"),
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// Run collects immediately and then once per interval until ctx is
// canceled. Ticks never overlap; a tick still running when the next one
// is due causes that one to be skipped.
func (m *Manager) Run(ctx context.Context) error {
	cronLog := cronLogger{logger: m.logger}
	job := cron.NewChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)).Then(cron.FuncJob(func() {
		_, _ = m.Tick(ctx)
	}))

	scheduler := cron.New(cron.WithLogger(cronLog))
	scheduler.Schedule(cron.Every(m.interval), job)

	m.logger.Info("collector started", "interval", m.interval)
	job.Run()
	scheduler.Start()

	<-ctx.Done()
	m.logger.Info("collector stopping", "reason", ctx.Err())
	<-scheduler.Stop().Done()
	return m.Close()
}

// Tick runs one collect, correlate and persist cycle. A device query
// failure skips persistence for this tick only.
func (m *Manager) Tick(ctx context.Context) (record.Tick, error) {
	start := time.Now()

	res, err := m.correlator.Correlate(ctx)
	if err != nil {
		var queryErr *gpu.DeviceQueryError
		if errors.As(err, &queryErr) {
			m.logger.Warn("device query failed, skipping tick", "query", queryErr.Query, "err", queryErr.Err)
			m.recordFailure(failureDevice, err, time.Since(start))
		} else {
			m.logger.Error("correlation failed, skipping tick", "err", err)
			m.recordFailure(failureOther, err, time.Since(start))
		}
		return record.Tick{}, err
	}

	tick := res.Tick
	logger := m.logger.With("tick_id", tick.ID)

	if err := m.sink.Append(ctx, tick); err != nil {
		logger.Error("failed to persist tick", "err", err)
		m.recordFailure(failureStore, err, time.Since(start))
		return record.Tick{}, fmt.Errorf("persist tick: %w", err)
	}

	elapsed := time.Since(start)
	logger.Debug("tick persisted",
		"gpus", len(tick.GPUs),
		"processes", len(tick.Processes),
		"unmatched", res.Unmatched,
		"inspect_failures", res.InspectFailures,
		"duration", elapsed,
	)
	m.publish(tick, res, elapsed)
	return tick, nil
}

// Latest returns the most recently persisted tick.
func (m *Manager) Latest() (record.Tick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return record.Tick{}, false
	}
	return *m.latest, true
}

// Ready reports whether at least one tick has been persisted.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest != nil
}

// Stats returns a copy of the running counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Interval is the configured tick interval.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// Subscribe registers a listener for persisted ticks. The latest tick,
// if any, is delivered immediately.
func (m *Manager) Subscribe() (<-chan record.Tick, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	m.subscribers[sub] = struct{}{}
	if m.latest != nil {
		sub.send(*m.latest)
	}

	return sub.channel(), func() { m.removeSubscriber(sub) }
}

func (m *Manager) publish(tick record.Tick, res correlator.Result, elapsed time.Duration) {
	m.mu.Lock()
	m.latest = &tick
	m.stats.Ticks++
	m.stats.GPUSamples += uint64(len(tick.GPUs))
	m.stats.ProcessSamples += uint64(len(tick.Processes))
	m.stats.Unmatched += uint64(res.Unmatched)
	m.stats.InspectFailures += uint64(res.InspectFailures)
	m.stats.LastSuccess = tick.Time
	m.stats.LastDuration = elapsed
	m.stats.LastError = ""

	targets := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(tick)
	}
}

func (m *Manager) recordFailure(kind failureKind, err error, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case failureDevice:
		m.stats.DeviceErrors++
	case failureStore:
		m.stats.StoreErrors++
	default:
		m.stats.OtherErrors++
	}
	m.stats.LastDuration = elapsed
	m.stats.LastError = err.Error()
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, sub)
	sub.close()
}

// Close detaches all subscribers. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for sub := range m.subscribers {
			sub.close()
			delete(m.subscribers, sub)
		}
	})
	return nil
}
