// Package analysis provides statistics, baselines, anomaly detection, and
// forecasting over metric samples.
//
// # Design
//
// Everything here is read-only and idempotent: functions take samples (or
// query a sample source) and return derived values without mutating anything,
// so they are safe to call from any goroutine. The alert engine uses them for
// anomaly and baseline checks; external callers use them through the
// read-only API.
//
// Anomaly detection uses deviation from a rolling baseline: a point is
// flagged when |value - baseline mean| > sensitivity * baseline stddev.
// Forecasting is least-squares linear trend extrapolation with a confidence
// band derived from the residual standard deviation.
package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// SampleSource is the read side of the metric store the analyzers consult.
type SampleSource interface {
	Query(ctx context.Context, filter types.SampleFilter) ([]types.MetricSample, error)
}

// Stats is a statistical summary of a sample set.
type Stats struct {
	Count       int                `json:"count"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Mean        float64            `json:"mean"`
	StdDev      float64            `json:"std_dev"`
	Percentiles map[string]float64 `json:"percentiles"`
}

// Statistics computes summary statistics over the numeric values in samples.
// Non-numeric and failed samples are skipped.
func Statistics(samples []types.MetricSample) Stats {
	values := numericValues(samples)
	return statsOf(values)
}

func statsOf(values []float64) Stats {
	s := Stats{Count: len(values), Percentiles: map[string]float64{}}
	if len(values) == 0 {
		return s
	}

	s.Min = values[0]
	s.Max = values[0]
	sum := 0.0
	for _, v := range values {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Mean = sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - s.Mean
		variance += d * d
	}
	variance /= float64(len(values))
	s.StdDev = math.Sqrt(variance)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	for _, p := range []float64{50, 90, 95, 99} {
		s.Percentiles[fmt.Sprintf("p%.0f", p)] = Percentile(sorted, p)
	}
	return s
}

// Percentile computes the p-th percentile (0-100) of sorted values using
// linear interpolation between ranks.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// =============================================================================
// ANOMALY DETECTION
// =============================================================================

// DetectAnomalies flags samples that deviate from a rolling baseline by more
// than sensitivity standard deviations. The baseline for each point is the
// mean/stddev of the preceding window of values (default 20 points), so a
// spike does not inflate its own baseline. Samples must belong to one
// (device, metric) series and be in timestamp order.
func DetectAnomalies(samples []types.MetricSample, sensitivity float64) []types.Anomaly {
	const window = 20
	const minWindow = 5

	if sensitivity <= 0 {
		sensitivity = 2.0
	}

	var anomalies []types.Anomaly
	var history []float64

	for _, s := range samples {
		v, ok := s.Value.Float()
		if !s.Success || !ok {
			continue
		}

		if len(history) >= minWindow {
			start := 0
			if len(history) > window {
				start = len(history) - window
			}
			base := statsOf(history[start:])
			if base.StdDev > 0 {
				dev := math.Abs(v-base.Mean) / base.StdDev
				if dev > sensitivity {
					anomalies = append(anomalies, types.Anomaly{
						DeviceID:  s.DeviceID,
						Metric:    s.Metric,
						Timestamp: s.Timestamp,
						Value:     v,
						Expected:  base.Mean,
						Deviation: dev,
					})
					// Keep outliers out of the rolling baseline so the
					// spike itself does not mask a following one.
					continue
				}
			}
		}
		history = append(history, v)
	}
	return anomalies
}

// =============================================================================
// BASELINES
// =============================================================================

// ComputeBaseline builds a baseline for one device metric from historical
// samples over the training window ending now.
func ComputeBaseline(ctx context.Context, src SampleSource, deviceID, metric string, window time.Duration) (*types.Baseline, error) {
	now := time.Now()
	samples, err := src.Query(ctx, types.SampleFilter{
		DeviceIDs:   []string{deviceID},
		Metrics:     []string{metric},
		Start:       now.Add(-window),
		End:         now,
		SuccessOnly: true,
		Order:       types.SortAsc,
	})
	if err != nil {
		return nil, fmt.Errorf("querying baseline window: %w", err)
	}

	stats := Statistics(samples)
	if stats.Count == 0 {
		return nil, fmt.Errorf("no samples for %s/%s in window %v", deviceID, metric, window)
	}

	return &types.Baseline{
		DeviceID:    deviceID,
		Metric:      metric,
		Window:      window,
		SampleCount: stats.Count,
		Min:         stats.Min,
		Max:         stats.Max,
		Mean:        stats.Mean,
		StdDev:      stats.StdDev,
		Percentiles: stats.Percentiles,
		ComputedAt:  now,
	}, nil
}

// =============================================================================
// FORECASTING
// =============================================================================

// Forecast projects a device metric forward by horizon using least-squares
// linear regression over the trailing training window (3x horizon, minimum
// one hour). Points are emitted at the series' median spacing; the confidence
// band is ±1.96 residual standard deviations.
func Forecast(ctx context.Context, src SampleSource, deviceID, metric string, horizon time.Duration) ([]types.ForecastPoint, error) {
	training := 3 * horizon
	if training < time.Hour {
		training = time.Hour
	}
	now := time.Now()

	samples, err := src.Query(ctx, types.SampleFilter{
		DeviceIDs:   []string{deviceID},
		Metrics:     []string{metric},
		Start:       now.Add(-training),
		End:         now,
		SuccessOnly: true,
		Order:       types.SortAsc,
	})
	if err != nil {
		return nil, fmt.Errorf("querying training window: %w", err)
	}

	type point struct {
		t float64 // seconds since first sample
		v float64
	}
	var pts []point
	var first time.Time
	for _, s := range samples {
		v, ok := s.Value.Float()
		if !ok {
			continue
		}
		if first.IsZero() {
			first = s.Timestamp
		}
		pts = append(pts, point{t: s.Timestamp.Sub(first).Seconds(), v: v})
	}
	if len(pts) < 3 {
		return nil, fmt.Errorf("not enough samples to forecast %s/%s (%d)", deviceID, metric, len(pts))
	}

	// Least squares fit v = a + b*t.
	n := float64(len(pts))
	var sumT, sumV, sumTT, sumTV float64
	for _, p := range pts {
		sumT += p.t
		sumV += p.v
		sumTT += p.t * p.t
		sumTV += p.t * p.v
	}
	denom := n*sumTT - sumT*sumT
	var a, b float64
	if denom == 0 {
		a = sumV / n // constant series
	} else {
		b = (n*sumTV - sumT*sumV) / denom
		a = (sumV - b*sumT) / n
	}

	// Residual stddev for the confidence band.
	var ss float64
	for _, p := range pts {
		r := p.v - (a + b*p.t)
		ss += r * r
	}
	resid := math.Sqrt(ss / n)
	band := 1.96 * resid

	// Median spacing between samples drives forecast resolution.
	step := medianSpacing(samples)
	if step <= 0 {
		step = horizon / 10
	}
	if count := int(horizon / step); count > 500 {
		step = horizon / 500
	}

	var out []types.ForecastPoint
	for ts := now.Add(step); !ts.After(now.Add(horizon)); ts = ts.Add(step) {
		t := ts.Sub(first).Seconds()
		v := a + b*t
		out = append(out, types.ForecastPoint{
			Timestamp: ts,
			Value:     v,
			Lower:     v - band,
			Upper:     v + band,
		})
	}
	return out, nil
}

func medianSpacing(samples []types.MetricSample) time.Duration {
	if len(samples) < 2 {
		return 0
	}
	gaps := make([]time.Duration, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		gaps = append(gaps, samples[i].Timestamp.Sub(samples[i-1].Timestamp))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps[len(gaps)/2]
}

func numericValues(samples []types.MetricSample) []float64 {
	var values []float64
	for _, s := range samples {
		if !s.Success {
			continue
		}
		if v, ok := s.Value.Float(); ok {
			values = append(values, v)
		}
	}
	return values
}
