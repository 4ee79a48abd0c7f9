package collector

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetmon/fleetmon/internal/breaker"
	"github.com/fleetmon/fleetmon/internal/buffer"
	"github.com/fleetmon/fleetmon/internal/retry"
	"github.com/fleetmon/fleetmon/internal/store"
	"github.com/fleetmon/fleetmon/pkg/types"
)

// HealthSource reports the process's own load for adaptive degradation.
type HealthSource interface {
	CPUPercent() float64
}

// Config holds collector tuning.
type Config struct {
	// Workers is the fixed pool size.
	Workers int

	// Probe names the registry entry used for collection.
	Probe string

	// QueueSize bounds pending device passes. A full queue skips the tick.
	QueueSize int

	// GracePeriod bounds how long Stop waits for in-flight passes.
	GracePeriod time.Duration

	// RatePerSecond and RateBurst cap probe frequency per device.
	RatePerSecond float64
	RateBurst     int

	Breaker breaker.Config
	Retry   retry.Policy

	// Degradation: when the fleet-wide failure rate over FailureWindow
	// exceeds FailureRateThreshold, or process CPU exceeds CPUCeiling,
	// effective polling intervals stretch by DegradeFactor.
	FailureRateThreshold float64
	FailureWindow        time.Duration
	CPUCeiling           float64
	DegradeFactor        float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:              10,
		Probe:                "command",
		QueueSize:            100,
		GracePeriod:          30 * time.Second,
		RatePerSecond:        5,
		RateBurst:            5,
		Breaker:              breaker.DefaultConfig(),
		Retry:                retry.DefaultPolicy(),
		FailureRateThreshold: 0.5,
		FailureWindow:        5 * time.Minute,
		CPUCeiling:           85,
		DegradeFactor:        2,
	}
}

// deviceState tracks one registered device's runtime.
type deviceState struct {
	device  types.Device
	breaker *breaker.Breaker
	limiter *rate.Limiter

	paused atomic.Bool

	// pending is set while a pass for this device is queued or running,
	// so a hung device holds at most one worker.
	pending atomic.Bool

	stopCh chan struct{}
}

// Collector polls registered devices and writes samples into the store.
type Collector struct {
	cfg      Config
	registry *Registry
	sink     store.MetricStore
	spill    buffer.Buffer // optional; parks samples on store failure
	health   HealthSource  // optional
	logger   *slog.Logger

	mu      sync.RWMutex
	devices map[string]*deviceState
	metrics []types.MetricDefinition
	started bool
	ctx     context.Context

	queue    chan *deviceState
	workerWg sync.WaitGroup
	deviceWg sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	outcomes *outcomeWindow
	degraded atomic.Bool

	now func() time.Time
}

// Option configures optional collector collaborators.
type Option func(*Collector)

// WithSpill parks sample batches in buf when store writes fail.
func WithSpill(buf buffer.Buffer) Option {
	return func(c *Collector) { c.spill = buf }
}

// WithHealth enables CPU-based degradation.
func WithHealth(h HealthSource) Option {
	return func(c *Collector) { c.health = h }
}

// New creates a collector writing into sink.
func New(cfg Config, registry *Registry, sink store.MetricStore, logger *slog.Logger, opts ...Option) *Collector {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Probe == "" {
		cfg.Probe = def.Probe
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.DegradeFactor <= 1 {
		cfg.DegradeFactor = def.DegradeFactor
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = def.FailureRateThreshold
	}

	c := &Collector{
		cfg:      cfg,
		registry: registry,
		sink:     sink,
		logger:   logger.With("component", "collector"),
		devices:  make(map[string]*deviceState),
		queue:    make(chan *deviceState, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		outcomes: newOutcomeWindow(cfg.FailureWindow),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetMetrics replaces the metric definitions collected on each pass.
// Definition order is preserved in the emitted samples.
func (c *Collector) SetMetrics(defs []types.MetricDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append([]types.MetricDefinition(nil), defs...)
}

// RegisterDevice adds a device to the polling set. If the collector is
// already running, the device's loop starts immediately.
func (c *Collector) RegisterDevice(dev types.Device) error {
	if err := dev.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.devices[dev.ID]; exists {
		return fmt.Errorf("device already registered: %s", dev.ID)
	}

	st := &deviceState{
		device:  dev,
		breaker: breaker.New(c.cfg.Breaker),
		stopCh:  make(chan struct{}),
	}
	if c.cfg.RatePerSecond > 0 {
		burst := c.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(c.cfg.RatePerSecond), burst)
	}
	if !dev.Enabled {
		st.paused.Store(true)
	}
	c.devices[dev.ID] = st

	if c.started {
		c.deviceWg.Add(1)
		go c.runDeviceLoop(c.ctx, st)
	}
	return nil
}

// UnregisterDevice removes a device and stops its loop. An in-flight pass
// for the device finishes normally.
func (c *Collector) UnregisterDevice(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.devices[id]
	if !ok {
		return fmt.Errorf("device not registered: %s", id)
	}
	close(st.stopCh)
	delete(c.devices, id)
	return nil
}

// Pause suspends scheduling for a device without forgetting it.
func (c *Collector) Pause(id string) error {
	st, err := c.deviceState(id)
	if err != nil {
		return err
	}
	st.paused.Store(true)
	return nil
}

// Resume re-enables scheduling for a paused device.
func (c *Collector) Resume(id string) error {
	st, err := c.deviceState(id)
	if err != nil {
		return err
	}
	st.paused.Store(false)
	return nil
}

func (c *Collector) deviceState(id string) (*deviceState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("device not registered: %s", id)
	}
	return st, nil
}

// Start launches the worker pool and a polling loop per registered device.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("collector already started")
	}
	if _, ok := c.registry.Get(c.cfg.Probe); !ok {
		c.mu.Unlock()
		return fmt.Errorf("probe not registered: %s", c.cfg.Probe)
	}
	c.started = true
	c.ctx = ctx

	for i := 0; i < c.cfg.Workers; i++ {
		c.workerWg.Add(1)
		go c.runWorker(ctx)
	}
	for _, st := range c.devices {
		c.deviceWg.Add(1)
		go c.runDeviceLoop(ctx, st)
	}
	n := len(c.devices)
	c.mu.Unlock()

	c.logger.Info("collector started",
		"workers", c.cfg.Workers,
		"devices", n,
		"probe", c.cfg.Probe,
	)
	return nil
}

// Stop halts scheduling, then waits for queued and in-flight passes up to
// the grace period.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.deviceWg.Wait()
		close(c.queue)

		done := make(chan struct{})
		go func() {
			c.workerWg.Wait()
			close(done)
		}()
		select {
		case <-done:
			c.logger.Info("collector stopped")
		case <-time.After(c.cfg.GracePeriod):
			c.logger.Warn("collector stop grace period expired with passes in flight",
				"grace_period", c.cfg.GracePeriod)
		}
	})
}

// CollectNow runs one synchronous pass for a device, bypassing the queue,
// and stores the results. Paused devices can be collected on demand.
func (c *Collector) CollectNow(ctx context.Context, id string) ([]types.MetricSample, error) {
	st, err := c.deviceState(id)
	if err != nil {
		return nil, err
	}
	samples := c.collectPass(ctx, st)
	c.storeSamples(ctx, samples)
	return samples, nil
}

// Degraded reports whether adaptive degradation is stretching intervals.
func (c *Collector) Degraded() bool {
	return c.degraded.Load()
}

// DeviceStatus describes one device's runtime state for introspection.
type DeviceStatus struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Paused  bool             `json:"paused"`
	Breaker breaker.Snapshot `json:"breaker"`
}

// Status returns runtime state for every registered device.
func (c *Collector) Status() []DeviceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]DeviceStatus, 0, len(c.devices))
	for _, st := range c.devices {
		out = append(out, DeviceStatus{
			ID:      st.device.ID,
			Type:    st.device.Type,
			Paused:  st.paused.Load(),
			Breaker: st.breaker.Snapshot(),
		})
	}
	return out
}

// =============================================================================
// SCHEDULING
// =============================================================================

// runDeviceLoop drives one device's schedule. A timer rather than a ticker,
// so degradation can stretch the next interval without racing a reset.
func (c *Collector) runDeviceLoop(ctx context.Context, st *deviceState) {
	defer c.deviceWg.Done()

	// First pass soon after start, at a random offset so a large fleet
	// doesn't thundering-herd the pool on boot.
	timer := time.NewTimer(bootStagger(st.device.Interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-st.stopCh:
			return
		case <-timer.C:
			if !st.paused.Load() {
				c.enqueue(st)
			}
			timer.Reset(c.effectiveInterval(st.device.Interval))
		}
	}
}

// maxBootStagger caps the random first-poll offset.
const maxBootStagger = time.Second

// bootStagger returns a random boot delay in [0, min(interval, maxBootStagger)).
// The bound keeps a fast device's first pass inside its own interval.
func bootStagger(interval time.Duration) time.Duration {
	limit := min(interval, maxBootStagger)
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

// enqueue submits a pass unless one for this device is already pending or
// the queue is full. Either way the tick is skipped, never queued twice.
func (c *Collector) enqueue(st *deviceState) {
	if !st.pending.CompareAndSwap(false, true) {
		c.logger.Debug("pass already pending, skipping tick", "device_id", st.device.ID)
		return
	}
	select {
	case c.queue <- st:
	default:
		st.pending.Store(false)
		c.logger.Warn("collector queue full, skipping tick", "device_id", st.device.ID)
	}
}

func (c *Collector) effectiveInterval(interval time.Duration) time.Duration {
	if c.degraded.Load() {
		return time.Duration(float64(interval) * c.cfg.DegradeFactor)
	}
	return interval
}

func (c *Collector) runWorker(ctx context.Context) {
	defer c.workerWg.Done()

	for st := range c.queue {
		samples := c.collectPass(ctx, st)
		st.pending.Store(false)
		c.storeSamples(ctx, samples)
		c.updateDegradation()
	}
}

// =============================================================================
// COLLECTION
// =============================================================================

// collectPass collects every applicable metric for one device. Sample order
// follows definition order. Every outcome produces a sample.
func (c *Collector) collectPass(ctx context.Context, st *deviceState) []types.MetricSample {
	c.mu.RLock()
	defs := c.metrics
	c.mu.RUnlock()

	probe, ok := c.registry.Get(c.cfg.Probe)
	if !ok {
		c.logger.Error("probe not registered", "probe", c.cfg.Probe)
		return nil
	}

	dev := st.device
	var samples []types.MetricSample

	for _, def := range defs {
		if !def.AppliesTo(dev.Type) {
			continue
		}
		select {
		case <-ctx.Done():
			return samples
		default:
		}

		if !st.breaker.Allow() {
			samples = append(samples, c.syntheticSample(dev, def, "circuit open"))
			continue
		}

		if st.limiter != nil {
			if err := st.limiter.Wait(ctx); err != nil {
				return samples
			}
		}

		start := c.now()
		var value types.Value
		err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			var probeErr error
			value, probeErr = probe.Collect(ctx, dev, def)
			return probeErr
		})
		elapsed := c.now().Sub(start)

		sample := types.MetricSample{
			DeviceID:  dev.ID,
			Metric:    def.Name,
			Unit:      def.Unit,
			Timestamp: start,
			Tags:      dev.Tags,
			Duration:  elapsed,
		}
		if err != nil {
			st.breaker.RecordFailure()
			c.outcomes.record(c.now(), false)
			sample.Success = false
			sample.Error = err.Error()
			c.logger.Debug("probe failed",
				"device_id", dev.ID,
				"metric", def.Name,
				"error", err,
			)
		} else {
			st.breaker.RecordSuccess()
			c.outcomes.record(c.now(), true)
			sample.Success = true
			sample.Value = value
		}
		samples = append(samples, sample)
	}
	return samples
}

// syntheticSample records a breaker denial without touching the device.
func (c *Collector) syntheticSample(dev types.Device, def types.MetricDefinition, reason string) types.MetricSample {
	tags := make(map[string]string, len(dev.Tags)+1)
	for k, v := range dev.Tags {
		tags[k] = v
	}
	tags["circuit-open"] = "true"
	return types.MetricSample{
		DeviceID:  dev.ID,
		Metric:    def.Name,
		Unit:      def.Unit,
		Timestamp: c.now(),
		Tags:      tags,
		Success:   false,
		Error:     reason,
	}
}

// storeSamples writes a batch, spilling to the buffer on failure so
// collection never stalls on storage.
func (c *Collector) storeSamples(ctx context.Context, samples []types.MetricSample) {
	if len(samples) == 0 {
		return
	}
	if err := c.sink.Store(ctx, samples); err != nil {
		c.logger.Error("failed to store samples",
			"error", err,
			"count", len(samples),
		)
		if c.spill != nil {
			if spillErr := c.spill.Push(ctx, samples); spillErr != nil {
				c.logger.Error("failed to spill samples, data lost",
					"error", spillErr,
					"count", len(samples),
				)
			}
		}
	}
}

// updateDegradation recomputes the degraded flag from the failure-rate
// window and, when available, process CPU.
func (c *Collector) updateDegradation() {
	failRate, total := c.outcomes.failureRate(c.now())

	overFailures := total >= 10 && failRate >= c.cfg.FailureRateThreshold
	overCPU := false
	if c.health != nil && c.cfg.CPUCeiling > 0 {
		overCPU = c.health.CPUPercent() >= c.cfg.CPUCeiling
	}

	degraded := overFailures || overCPU
	if c.degraded.CompareAndSwap(!degraded, degraded) {
		if degraded {
			c.logger.Warn("entering degraded mode, stretching poll intervals",
				"failure_rate", failRate,
				"over_cpu", overCPU,
				"factor", c.cfg.DegradeFactor,
			)
		} else {
			c.logger.Info("leaving degraded mode")
		}
	}
}

// =============================================================================
// OUTCOME WINDOW
// =============================================================================

// outcomeWindow tracks probe outcomes over a sliding time window.
type outcomeWindow struct {
	window time.Duration

	mu       sync.Mutex
	outcomes []outcome
}

type outcome struct {
	at time.Time
	ok bool
}

func newOutcomeWindow(window time.Duration) *outcomeWindow {
	return &outcomeWindow{window: window}
}

func (w *outcomeWindow) record(at time.Time, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes = append(w.outcomes, outcome{at: at, ok: ok})
	w.prune(at)
}

// failureRate returns the fraction of failures in the window and the number
// of outcomes observed.
func (w *outcomeWindow) failureRate(now time.Time) (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)

	if len(w.outcomes) == 0 {
		return 0, 0
	}
	failures := 0
	for _, o := range w.outcomes {
		if !o.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(w.outcomes)), len(w.outcomes)
}

// prune drops outcomes older than the window. Callers hold the lock.
func (w *outcomeWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.outcomes) && w.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.outcomes = append(w.outcomes[:0], w.outcomes[i:]...)
	}
}
