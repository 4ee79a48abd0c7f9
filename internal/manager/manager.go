// Package manager wires the daemon's components together.
//
// # Lifecycle
//
//  1. Open the store backend (memory, badger, or postgres)
//  2. Build notifiers and the alert engine
//  3. Build the spill buffer and its replay flusher
//  4. Build the collector, writing through a tap that feeds the engine
//  5. Run retention and baseline loops until shutdown
//
// Shutdown order matters: the collector stops first so no new samples are
// produced, the flusher flushes what it can, the engine drains in-flight
// notifications, and the store closes last.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fleetmon/fleetmon/internal/alert"
	"github.com/fleetmon/fleetmon/internal/analysis"
	"github.com/fleetmon/fleetmon/internal/buffer"
	"github.com/fleetmon/fleetmon/internal/collector"
	"github.com/fleetmon/fleetmon/internal/config"
	"github.com/fleetmon/fleetmon/internal/health"
	"github.com/fleetmon/fleetmon/internal/store"
	"github.com/fleetmon/fleetmon/pkg/types"
)

const (
	baselineInterval = time.Hour
	baselineWindow   = 24 * time.Hour
)

// Manager owns the daemon's components and their lifecycle.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	store     store.Store
	spill     buffer.Buffer
	flusher   *buffer.Flusher
	collector *collector.Collector
	engine    *alert.Engine
	health    *health.Monitor

	baselineMu sync.RWMutex
	baselines  map[string]*types.Baseline // deviceID + "\x00" + metric
}

// Option overrides a default collaborator, mostly for tests.
type Option func(*options)

type options struct {
	store store.Store
	exec  collector.ExecFunc
}

// WithStore uses a pre-built store instead of opening one from config.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithExec overrides the command transport. Default is ShellExec.
func WithExec(exec collector.ExecFunc) Option {
	return func(o *options) { o.exec = exec }
}

// New builds a manager from configuration. ctx bounds backend setup
// (postgres connection and schema migration).
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "manager"),
		health:    health.NewMonitor(),
		baselines: make(map[string]*types.Baseline),
	}

	st := o.store
	if st == nil {
		var err error
		st, err = openStore(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}
	m.store = st

	// Notifiers and alert engine.
	notifiers := alert.NewNotifierRegistry()
	if err := notifiers.Register(alert.NewLogNotifier("log", logger)); err != nil {
		return nil, err
	}
	if cfg.Alerting.WebhookURL != "" {
		webhook := alert.NewWebhookNotifier(alert.WebhookConfig{
			Name:     "webhook",
			Endpoint: cfg.Alerting.WebhookURL,
		})
		if err := notifiers.Register(webhook); err != nil {
			return nil, err
		}
	}

	ecfg := alert.DefaultConfig()
	if cfg.Alerting.NotifyTimeout.Std() > 0 {
		ecfg.NotifyTimeout = cfg.Alerting.NotifyTimeout.Std()
	}
	m.engine = alert.NewEngine(ecfg, st, notifiers, logger)

	for i, r := range cfg.Rules {
		if err := m.engine.AddRule(r.Rule()); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
	}

	// Spill buffer and replay flusher. Replayed samples go straight to the
	// store, not through the engine tap: by the time a batch is recovered
	// it is stale, and folding it into rule evaluation would clobber newer
	// readings.
	var spill buffer.Buffer
	if cfg.Buffer.RedisURL != "" {
		redis, err := buffer.NewRedis(cfg.Buffer.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting spill buffer: %w", err)
		}
		spill = redis
	} else {
		spill = buffer.NewMemory(cfg.Buffer.Capacity, logger)
	}
	m.spill = spill
	m.flusher = buffer.NewFlusher(spill, st, logger)

	// Collector, writing through the engine tap.
	exec := o.exec
	if exec == nil {
		exec = collector.ShellExec
	}
	registry := collector.NewRegistry()
	probe := collector.NewCommandProbe(exec, cfg.Collector.ProbeTimeout.Std())
	if err := registry.Register(probe); err != nil {
		return nil, err
	}

	tap := &engineTap{next: st, engine: m.engine}
	m.collector = collector.New(collectorConfig(cfg.Collector), registry, tap, logger,
		collector.WithSpill(spill),
		collector.WithHealth(m.health),
	)

	defs := make([]types.MetricDefinition, len(cfg.Metrics))
	for i, mc := range cfg.Metrics {
		defs[i] = mc.Definition()
	}
	m.collector.SetMetrics(defs)

	for i, d := range cfg.Devices {
		if err := m.collector.RegisterDevice(d.Device()); err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
	}

	return m, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemory(cfg.Retention.Std()), nil
	case "badger":
		return store.NewBadger(store.BadgerConfig{
			Path:       cfg.Path,
			Retention:  cfg.Retention.Std(),
			SyncWrites: cfg.SyncWrites,
		})
	case "postgres":
		return store.NewPostgresFromURL(ctx, cfg.DSN, cfg.Retention.Std())
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func collectorConfig(cc config.CollectorConfig) collector.Config {
	cfg := collector.DefaultConfig()
	cfg.Workers = cc.Workers
	if cc.GracePeriod.Std() > 0 {
		cfg.GracePeriod = cc.GracePeriod.Std()
	}
	cfg.RatePerSecond = cc.RatePerSecond
	cfg.RateBurst = cc.RateBurst
	if cc.FailureThreshold > 0 {
		cfg.Breaker.FailureThreshold = cc.FailureThreshold
	}
	if cc.BreakerCooldown.Std() > 0 {
		cfg.Breaker.Cooldown = cc.BreakerCooldown.Std()
	}
	if cc.BreakerMaxWait.Std() > 0 {
		cfg.Breaker.MaxCooldown = cc.BreakerMaxWait.Std()
	}
	if cc.RetryAttempts > 0 {
		cfg.Retry.MaxAttempts = cc.RetryAttempts
	}
	if cc.RetryBaseDelay.Std() > 0 {
		cfg.Retry.BaseDelay = cc.RetryBaseDelay.Std()
	}
	if cc.RetryMaxDelay.Std() > 0 {
		cfg.Retry.MaxDelay = cc.RetryMaxDelay.Std()
	}
	if cc.FailureRateThreshold > 0 {
		cfg.FailureRateThreshold = cc.FailureRateThreshold
	}
	if cc.FailureWindow.Std() > 0 {
		cfg.FailureWindow = cc.FailureWindow.Std()
	}
	if cc.CPUCeiling > 0 {
		cfg.CPUCeiling = cc.CPUCeiling
	}
	if cc.DegradeFactor > 1 {
		cfg.DegradeFactor = cc.DegradeFactor
	}
	return cfg
}

// engineTap feeds stored samples into the alert engine. Evaluation happens
// only after the batch is accepted, so alerts never reference data the
// store rejected.
type engineTap struct {
	next   store.Store
	engine *alert.Engine
}

func (t *engineTap) Store(ctx context.Context, samples []types.MetricSample) error {
	if err := t.next.Store(ctx, samples); err != nil {
		return err
	}
	t.engine.Process(ctx, samples)
	return nil
}

func (t *engineTap) Query(ctx context.Context, filter types.SampleFilter) ([]types.MetricSample, error) {
	return t.next.Query(ctx, filter)
}

func (t *engineTap) Latest(ctx context.Context, deviceID string, metrics ...string) ([]types.MetricSample, error) {
	return t.next.Latest(ctx, deviceID, metrics...)
}

func (t *engineTap) Aggregate(ctx context.Context, filter types.SampleFilter, fn types.AggregateFunc) (float64, error) {
	return t.next.Aggregate(ctx, filter, fn)
}

func (t *engineTap) ApplyRetention(ctx context.Context) (int, error) {
	return t.next.ApplyRetention(ctx)
}

func (t *engineTap) Stats(ctx context.Context) (types.StorageStats, error) {
	return t.next.Stats(ctx)
}

func (t *engineTap) Close() error { return nil }

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in dependency order.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("starting",
		"backend", m.cfg.Storage.Backend,
		"devices", len(m.cfg.Devices),
		"metrics", len(m.cfg.Metrics),
		"rules", len(m.engine.Rules()))

	if err := m.collector.Start(ctx); err != nil {
		return fmt.Errorf("starting collector: %w", err)
	}
	m.flusher.Start()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.runRetention(ctx)
	}()
	go func() {
		defer wg.Done()
		m.runBaselines(ctx)
	}()

	<-ctx.Done()

	m.logger.Info("shutting down")
	m.collector.Stop()
	m.flusher.Stop()
	m.engine.Drain()
	wg.Wait()

	if err := m.spill.Close(); err != nil {
		m.logger.Warn("closing spill buffer", "error", err)
	}
	if err := m.store.Close(); err != nil {
		m.logger.Warn("closing store", "error", err)
	}
	return ctx.Err()
}

func (m *Manager) runRetention(ctx context.Context) {
	interval := m.cfg.Storage.RetentionInterval.Std()
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.store.ApplyRetention(ctx)
			if err != nil {
				m.logger.Warn("retention pass failed", "error", err)
				continue
			}
			if removed > 0 {
				m.logger.Info("retention pass complete", "removed", removed)
			}
		}
	}
}

func (m *Manager) runBaselines(ctx context.Context) {
	ticker := time.NewTicker(baselineInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recomputeBaselines(ctx)
		}
	}
}

func (m *Manager) recomputeBaselines(ctx context.Context) {
	for _, dc := range m.cfg.Devices {
		dev := dc.Device()
		for _, mc := range m.cfg.Metrics {
			def := mc.Definition()
			if def.ValueType != types.ValueNumber || !def.AppliesTo(dev.Type) {
				continue
			}
			b, err := analysis.ComputeBaseline(ctx, m.store, dev.ID, def.Name, baselineWindow)
			if err != nil {
				m.logger.Debug("baseline computation failed",
					"device", dev.ID, "metric", def.Name, "error", err)
				continue
			}
			if b == nil {
				continue
			}
			m.baselineMu.Lock()
			m.baselines[baselineKey(dev.ID, def.Name)] = b
			m.baselineMu.Unlock()
		}
	}
}

func baselineKey(deviceID, metric string) string {
	return deviceID + "\x00" + metric
}

// Baseline returns the cached baseline for a device metric, computing one
// on demand when the cache is cold.
func (m *Manager) Baseline(ctx context.Context, deviceID, metric string) (*types.Baseline, error) {
	m.baselineMu.RLock()
	b, ok := m.baselines[baselineKey(deviceID, metric)]
	m.baselineMu.RUnlock()
	if ok {
		return b, nil
	}

	b, err := analysis.ComputeBaseline(ctx, m.store, deviceID, metric, baselineWindow)
	if err != nil {
		return nil, err
	}
	if b != nil {
		m.baselineMu.Lock()
		m.baselines[baselineKey(deviceID, metric)] = b
		m.baselineMu.Unlock()
	}
	return b, nil
}

// Forecast projects a device metric forward by horizon.
func (m *Manager) Forecast(ctx context.Context, deviceID, metric string, horizon time.Duration) ([]types.ForecastPoint, error) {
	return analysis.Forecast(ctx, m.store, deviceID, metric, horizon)
}

// Anomalies flags samples in [start, end) deviating from their rolling
// baseline by more than sensitivity standard deviations.
func (m *Manager) Anomalies(ctx context.Context, deviceID, metric string, start, end time.Time, sensitivity float64) ([]types.Anomaly, error) {
	samples, err := m.store.Query(ctx, types.SampleFilter{
		DeviceIDs:   []string{deviceID},
		Metrics:     []string{metric},
		Start:       start,
		End:         end,
		SuccessOnly: true,
		Order:       types.SortAsc,
	})
	if err != nil {
		return nil, err
	}
	return analysis.DetectAnomalies(samples, sensitivity), nil
}

// Statistics summarizes a device metric over [start, end).
func (m *Manager) Statistics(ctx context.Context, deviceID, metric string, start, end time.Time) (analysis.Stats, error) {
	samples, err := m.store.Query(ctx, types.SampleFilter{
		DeviceIDs:   []string{deviceID},
		Metrics:     []string{metric},
		Start:       start,
		End:         end,
		SuccessOnly: true,
	})
	if err != nil {
		return analysis.Stats{}, err
	}
	return analysis.Statistics(samples), nil
}

// Devices lists configured devices sorted by ID.
func (m *Manager) Devices() []types.Device {
	devices := make([]types.Device, 0, len(m.cfg.Devices))
	for _, d := range m.cfg.Devices {
		devices = append(devices, d.Device())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Store exposes the metric store for read paths.
func (m *Manager) Store() store.Store { return m.store }

// Engine exposes the alert engine.
func (m *Manager) Engine() *alert.Engine { return m.engine }

// Collector exposes the polling engine.
func (m *Manager) Collector() *collector.Collector { return m.collector }

// Health exposes the process health monitor.
func (m *Manager) Health() *health.Monitor { return m.health }
