// Package types defines the shared domain model for fleetmon.
//
// # Design
//
// Types here are plain data carriers shared between the collector, store,
// alert engine, and analysis engine. Behavior lives in the internal packages;
// the only methods on these types are small self-contained helpers
// (validation, comparison, formatting).
//
// # Metric Samples
//
// A MetricSample is immutable once created. The collector produces one sample
// per (device, metric) per collection pass, successful or not, so downstream
// consumers always see complete accounting. Failed samples carry Success=false
// and no value.
package types

import (
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// VALUES
// =============================================================================

// ValueKind discriminates the payload of a Value.
type ValueKind string

const (
	ValueNone   ValueKind = ""       // no value (failed collection)
	ValueNumber ValueKind = "number" // numeric metric (float64)
	ValueString ValueKind = "string" // textual metric (e.g. interface oper status)
)

// Value is a metric value, either numeric or string.
// The zero Value means "no value" and is what failed samples carry.
type Value struct {
	Kind ValueKind `json:"kind,omitempty"`
	Num  float64   `json:"num,omitempty"`
	Str  string    `json:"str,omitempty"`
}

// NumberValue returns a numeric Value.
func NumberValue(f float64) Value {
	return Value{Kind: ValueNumber, Num: f}
}

// StringValue returns a string Value.
func StringValue(s string) Value {
	return Value{Kind: ValueString, Str: s}
}

// Float returns the numeric payload. ok is false for string or empty values.
func (v Value) Float() (float64, bool) {
	if v.Kind != ValueNumber {
		return 0, false
	}
	return v.Num, true
}

// IsZero reports whether the value is empty.
func (v Value) IsZero() bool {
	return v.Kind == ValueNone
}

// String renders the value for display and substring matching.
func (v Value) String() string {
	switch v.Kind {
	case ValueNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case ValueString:
		return v.Str
	default:
		return ""
	}
}

// =============================================================================
// DEVICES
// =============================================================================

// Device identifies one monitored network device.
type Device struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Type     string            `json:"type"` // "router", "switch", "gateway", ...
	Address  string            `json:"address,omitempty"`
	Interval time.Duration     `json:"interval"` // polling interval
	Enabled  bool              `json:"enabled"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Validate checks the device is usable for registration.
func (d *Device) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.Interval <= 0 {
		return fmt.Errorf("device %s: interval must be positive", d.ID)
	}
	return nil
}

// =============================================================================
// METRIC DEFINITIONS
// =============================================================================

// MetricDefinition describes how to obtain one metric from a device.
// Definitions are loaded at configuration time and never mutated.
type MetricDefinition struct {
	// Name is the semantic metric key, e.g. "interface.rx_errors".
	Name string `json:"name"`

	// Command is what the probe runs against the device to obtain the value.
	Command string `json:"command"`

	// ValueType is the expected value kind ("number" or "string").
	ValueType ValueKind `json:"value_type"`

	// Unit is the reporting unit, e.g. "percent", "ms", "count".
	Unit string `json:"unit,omitempty"`

	// DeviceTypes limits which device types this metric applies to.
	// Empty means all types.
	DeviceTypes []string `json:"device_types,omitempty"`
}

// AppliesTo reports whether this definition applies to a device type.
func (m *MetricDefinition) AppliesTo(deviceType string) bool {
	if len(m.DeviceTypes) == 0 {
		return true
	}
	for _, t := range m.DeviceTypes {
		if t == deviceType {
			return true
		}
	}
	return false
}

// =============================================================================
// METRIC SAMPLES
// =============================================================================

// MetricSample is one collected data point. Immutable after creation.
type MetricSample struct {
	DeviceID  string            `json:"device_id"`
	Metric    string            `json:"metric"`
	Value     Value             `json:"value,omitempty"`
	Unit      string            `json:"unit,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`

	// Duration is how long the collection took (the probe itself, including
	// retries; zero for samples synthesized on breaker denial).
	Duration time.Duration `json:"duration"`

	// Success is false when collection failed; Error carries the reason.
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SortOrder for sample queries.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// SampleFilter selects samples for queries, aggregation, and pruning.
// All set fields must match; zero fields match everything.
type SampleFilter struct {
	// DeviceIDs filters by device (any of these).
	DeviceIDs []string `json:"device_ids,omitempty"`

	// Metrics filters by metric name (any of these).
	Metrics []string `json:"metrics,omitempty"`

	// Time range [Start, End). Zero times are open-ended.
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`

	// Tags must all be present on the sample with equal values.
	Tags map[string]string `json:"tags,omitempty"`

	// SuccessOnly restricts to successful samples.
	SuccessOnly bool `json:"success_only,omitempty"`

	// Order is timestamp ordering; default ascending.
	Order SortOrder `json:"order,omitempty"`

	// Pagination.
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Matches reports whether a sample passes the filter (ignoring pagination).
func (f *SampleFilter) Matches(s *MetricSample) bool {
	if len(f.DeviceIDs) > 0 && !containsString(f.DeviceIDs, s.DeviceID) {
		return false
	}
	if len(f.Metrics) > 0 && !containsString(f.Metrics, s.Metric) {
		return false
	}
	if !f.Start.IsZero() && s.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !s.Timestamp.Before(f.End) {
		return false
	}
	if f.SuccessOnly && !s.Success {
		return false
	}
	for k, v := range f.Tags {
		if s.Tags[k] != v {
			return false
		}
	}
	return true
}

// =============================================================================
// AGGREGATION
// =============================================================================

// AggregateFunc names a numeric aggregation over filtered samples.
type AggregateFunc string

const (
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
	AggAvg   AggregateFunc = "avg"
	AggSum   AggregateFunc = "sum"
	AggCount AggregateFunc = "count"
	AggP50   AggregateFunc = "p50"
	AggP90   AggregateFunc = "p90"
	AggP95   AggregateFunc = "p95"
	AggP99   AggregateFunc = "p99"
)

// Percentile returns the percentile rank for pNN functions. ok is false for
// non-percentile aggregates.
func (a AggregateFunc) Percentile() (float64, bool) {
	switch a {
	case AggP50:
		return 50, true
	case AggP90:
		return 90, true
	case AggP95:
		return 95, true
	case AggP99:
		return 99, true
	default:
		return 0, false
	}
}

// StorageStats summarizes the contents of a metric store.
type StorageStats struct {
	TotalSamples int64            `json:"total_samples"`
	ByDevice     map[string]int64 `json:"by_device,omitempty"`
	ByMetric     map[string]int64 `json:"by_metric,omitempty"`
	OldestSample time.Time        `json:"oldest_sample,omitempty"`
	NewestSample time.Time        `json:"newest_sample,omitempty"`
	SizeBytes    int64            `json:"size_bytes,omitempty"`
}

// =============================================================================
// BASELINES
// =============================================================================

// Baseline is a per-device-per-metric statistical summary over a training
// window. Recomputed periodically by the manager; consumed by anomaly checks.
type Baseline struct {
	DeviceID    string             `json:"device_id"`
	Metric      string             `json:"metric"`
	Window      time.Duration      `json:"window"`
	SampleCount int                `json:"sample_count"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Mean        float64            `json:"mean"`
	StdDev      float64            `json:"std_dev"`
	Percentiles map[string]float64 `json:"percentiles,omitempty"` // "p50", "p90", ...
	ComputedAt  time.Time          `json:"computed_at"`
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func containsString(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
