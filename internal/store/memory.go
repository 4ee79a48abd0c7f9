package store

import (
	"context"
	"sync"
	"time"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// Memory is an in-process store for tests and ephemeral runs.
// All operations are guarded by a single RWMutex, which trivially gives
// batch atomicity and a consistent view during retention.
type Memory struct {
	retention time.Duration

	mu      sync.RWMutex
	samples []types.MetricSample
	alerts  map[string]*types.Alert
	events  map[string][]types.AlertEvent

	now func() time.Time
}

// NewMemory creates an in-memory store. retention<=0 disables pruning.
func NewMemory(retention time.Duration) *Memory {
	return &Memory{
		retention: retention,
		alerts:    make(map[string]*types.Alert),
		events:    make(map[string][]types.AlertEvent),
		now:       time.Now,
	}
}

// Store implements MetricStore.
func (m *Memory) Store(ctx context.Context, samples []types.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	m.mu.Lock()
	m.samples = append(m.samples, samples...)
	m.mu.Unlock()
	return nil
}

// Query implements MetricStore.
func (m *Memory) Query(ctx context.Context, filter types.SampleFilter) ([]types.MetricSample, error) {
	m.mu.RLock()
	var out []types.MetricSample
	for i := range m.samples {
		if filter.Matches(&m.samples[i]) {
			out = append(out, m.samples[i])
		}
	}
	m.mu.RUnlock()

	sortSamples(out, filter.Order)
	return paginate(out, filter.Limit, filter.Offset), nil
}

// Latest implements MetricStore.
func (m *Memory) Latest(ctx context.Context, deviceID string, metrics ...string) ([]types.MetricSample, error) {
	matched, err := m.Query(ctx, types.SampleFilter{
		DeviceIDs: []string{deviceID},
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}
	return latestPerMetric(matched), nil
}

// Aggregate implements MetricStore.
func (m *Memory) Aggregate(ctx context.Context, filter types.SampleFilter, fn types.AggregateFunc) (float64, error) {
	filter.Limit = 0
	filter.Offset = 0
	samples, err := m.Query(ctx, filter)
	if err != nil {
		return 0, err
	}
	return aggregateSamples(samples, fn)
}

// ApplyRetention implements MetricStore.
func (m *Memory) ApplyRetention(ctx context.Context) (int, error) {
	if m.retention <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.samples[:0]
	removed := 0
	for _, s := range m.samples {
		if s.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return removed, nil
}

// Stats implements MetricStore.
func (m *Memory) Stats(ctx context.Context) (types.StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := types.StorageStats{
		TotalSamples: int64(len(m.samples)),
		ByDevice:     make(map[string]int64),
		ByMetric:     make(map[string]int64),
	}
	for _, s := range m.samples {
		stats.ByDevice[s.DeviceID]++
		stats.ByMetric[s.Metric]++
		if stats.OldestSample.IsZero() || s.Timestamp.Before(stats.OldestSample) {
			stats.OldestSample = s.Timestamp
		}
		if s.Timestamp.After(stats.NewestSample) {
			stats.NewestSample = s.Timestamp
		}
	}
	return stats, nil
}

// Close implements MetricStore.
func (m *Memory) Close() error {
	return nil
}

// =============================================================================
// ALERTS
// =============================================================================

// CreateAlert implements AlertStore.
func (m *Memory) CreateAlert(ctx context.Context, alert *types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *alert
	m.alerts[alert.ID] = &cp
	return nil
}

// UpdateAlert implements AlertStore.
func (m *Memory) UpdateAlert(ctx context.Context, alert *types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.ID]; !ok {
		return ErrNotFound
	}
	cp := *alert
	m.alerts[alert.ID] = &cp
	return nil
}

// GetAlert implements AlertStore.
func (m *Memory) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// ListAlerts implements AlertStore.
func (m *Memory) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	m.mu.RLock()
	var out []types.Alert
	for _, a := range m.alerts {
		if filter.Matches(a) {
			out = append(out, *a)
		}
	}
	m.mu.RUnlock()

	// Newest first, stable for pagination.
	sortAlerts(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AppendAlertEvent implements AlertStore.
func (m *Memory) AppendAlertEvent(ctx context.Context, event *types.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.AlertID] = append(m.events[event.AlertID], *event)
	return nil
}

// ListAlertEvents implements AlertStore.
func (m *Memory) ListAlertEvents(ctx context.Context, alertID string) ([]types.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.AlertEvent(nil), m.events[alertID]...), nil
}

// AlertStats implements AlertStore.
func (m *Memory) AlertStats(ctx context.Context) (types.AlertStats, error) {
	m.mu.RLock()
	alerts := make([]types.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		alerts = append(alerts, *a)
	}
	m.mu.RUnlock()
	return summarizeAlerts(alerts), nil
}
