// Package store provides persistence for metric samples and alerts.
//
// # Design
//
// The MetricStore interface is the single point of consistency control: the
// collector writes through it, and the alert engine, analysis engine, and
// external callers read through it. Backends never leak to callers.
//
// Three backends ship:
//
//   - memory:   mutex-guarded, for tests and ephemeral runs
//   - badger:   embedded durable KV with its own value log WAL; an unclean
//     shutdown loses at most the in-flight write
//   - postgres: raw SQL via pgx, the natural choice when a control-plane
//     database is already available
//
// Writes are batch-atomic: a reader never observes part of a stored batch.
// ApplyRetention is idempotent and transactional per backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fleetmon/fleetmon/internal/analysis"
	"github.com/fleetmon/fleetmon/pkg/types"
)

// ErrNotFound is returned by alert lookups for unknown IDs.
var ErrNotFound = errors.New("not found")

// MetricStore is the durable, queryable sample store.
type MetricStore interface {
	// Store appends a batch of samples. Safe for concurrent producers;
	// the batch becomes visible to readers atomically.
	Store(ctx context.Context, samples []types.MetricSample) error

	// Query returns samples matching the filter, honoring sort order and
	// pagination.
	Query(ctx context.Context, filter types.SampleFilter) ([]types.MetricSample, error)

	// Latest returns the most recent sample per matching metric for a
	// device. With no metrics given, it covers every metric the device has
	// reported.
	Latest(ctx context.Context, deviceID string, metrics ...string) ([]types.MetricSample, error)

	// Aggregate computes fn over the numeric values selected by the filter.
	Aggregate(ctx context.Context, filter types.SampleFilter, fn types.AggregateFunc) (float64, error)

	// ApplyRetention deletes samples older than the retention window and
	// returns the count removed. Idempotent; never deletes samples inside
	// the window.
	ApplyRetention(ctx context.Context) (int, error)

	// Stats summarizes store contents.
	Stats(ctx context.Context) (types.StorageStats, error)

	Close() error
}

// AlertStore persists alerts and their event history.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *types.Alert) error
	UpdateAlert(ctx context.Context, alert *types.Alert) error
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error)
	AppendAlertEvent(ctx context.Context, event *types.AlertEvent) error
	ListAlertEvents(ctx context.Context, alertID string) ([]types.AlertEvent, error)
	AlertStats(ctx context.Context) (types.AlertStats, error)
}

// Store combines both persistence surfaces; every shipped backend
// implements it.
type Store interface {
	MetricStore
	AlertStore
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// aggregateSamples computes fn over numeric sample values in Go. Used by the
// memory and badger backends; postgres aggregates in SQL.
func aggregateSamples(samples []types.MetricSample, fn types.AggregateFunc) (float64, error) {
	var values []float64
	for _, s := range samples {
		if v, ok := s.Value.Float(); ok {
			values = append(values, v)
		}
	}

	if fn == types.AggCount {
		return float64(len(values)), nil
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("aggregate %s: no numeric samples match filter", fn)
	}

	switch fn {
	case types.AggMin:
		m := values[0]
		for _, v := range values {
			if v < m {
				m = v
			}
		}
		return m, nil
	case types.AggMax:
		m := values[0]
		for _, v := range values {
			if v > m {
				m = v
			}
		}
		return m, nil
	case types.AggSum, types.AggAvg:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		if fn == types.AggSum {
			return sum, nil
		}
		return sum / float64(len(values)), nil
	default:
		p, ok := fn.Percentile()
		if !ok {
			return 0, fmt.Errorf("unknown aggregate function: %s", fn)
		}
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		return analysis.Percentile(sorted, p), nil
	}
}

// sortSamples orders samples by timestamp per the filter's order.
func sortSamples(samples []types.MetricSample, order types.SortOrder) {
	if order == types.SortDesc {
		sort.SliceStable(samples, func(i, j int) bool {
			return samples[i].Timestamp.After(samples[j].Timestamp)
		})
		return
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
}

// paginate applies limit/offset after sorting.
func paginate(samples []types.MetricSample, limit, offset int) []types.MetricSample {
	if offset > 0 {
		if offset >= len(samples) {
			return nil
		}
		samples = samples[offset:]
	}
	if limit > 0 && len(samples) > limit {
		samples = samples[:limit]
	}
	return samples
}

// summarizeAlerts derives AlertStats from a full alert listing.
func summarizeAlerts(alerts []types.Alert) types.AlertStats {
	var stats types.AlertStats
	var totalResolutionMinutes float64
	for i := range alerts {
		a := &alerts[i]
		switch a.State {
		case types.AlertFiring, types.AlertAcknowledged:
			stats.ActiveCount++
			if a.State == types.AlertAcknowledged {
				stats.AcknowledgedCount++
			}
			switch a.Severity {
			case types.SeverityCritical:
				stats.CriticalCount++
			case types.SeverityWarning:
				stats.WarningCount++
			}
		case types.AlertResolved:
			stats.ResolvedCount++
			if a.ResolvedAt != nil {
				totalResolutionMinutes += a.ResolvedAt.Sub(a.CreatedAt).Minutes()
			}
		}
	}
	if stats.ResolvedCount > 0 {
		mins := totalResolutionMinutes / float64(stats.ResolvedCount)
		stats.AvgResolutionMinutes = &mins
	}
	return stats
}

// sortAlerts orders alerts newest-first with a stable ID tiebreak.
func sortAlerts(alerts []types.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}

// latestPerMetric reduces samples to the newest one per metric name.
func latestPerMetric(samples []types.MetricSample) []types.MetricSample {
	newest := make(map[string]types.MetricSample)
	for _, s := range samples {
		cur, ok := newest[s.Metric]
		if !ok || s.Timestamp.After(cur.Timestamp) {
			newest[s.Metric] = s
		}
	}
	out := make([]types.MetricSample, 0, len(newest))
	for _, s := range newest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}
