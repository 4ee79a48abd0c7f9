// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DeviceOpt tweaks a fixture device.
type DeviceOpt func(*types.Device)

// Device returns an enabled router polled every 30s.
func Device(id string, opts ...DeviceOpt) types.Device {
	dev := types.Device{
		ID:       id,
		Name:     id,
		Type:     "router",
		Address:  "10.0.0.1",
		Interval: 30 * time.Second,
		Enabled:  true,
	}
	for _, opt := range opts {
		opt(&dev)
	}
	return dev
}

// WithDeviceType sets the device type.
func WithDeviceType(t string) DeviceOpt {
	return func(d *types.Device) { d.Type = t }
}

// WithInterval sets the polling interval.
func WithInterval(interval time.Duration) DeviceOpt {
	return func(d *types.Device) { d.Interval = interval }
}

// WithDeviceTags sets the device tags.
func WithDeviceTags(tags map[string]string) DeviceOpt {
	return func(d *types.Device) { d.Tags = tags }
}

// Disabled marks the device disabled.
func Disabled() DeviceOpt {
	return func(d *types.Device) { d.Enabled = false }
}

// SampleOpt tweaks a fixture sample.
type SampleOpt func(*types.MetricSample)

// Sample returns a successful numeric sample timestamped now.
func Sample(deviceID, metric string, value float64, opts ...SampleOpt) types.MetricSample {
	s := types.MetricSample{
		DeviceID:  deviceID,
		Metric:    metric,
		Value:     types.NumberValue(value),
		Timestamp: time.Now(),
		Success:   true,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// At sets the sample timestamp.
func At(t time.Time) SampleOpt {
	return func(s *types.MetricSample) { s.Timestamp = t }
}

// AsString replaces the value with a string payload.
func AsString(v string) SampleOpt {
	return func(s *types.MetricSample) { s.Value = types.StringValue(v) }
}

// Failed marks the sample failed with a reason.
func Failed(reason string) SampleOpt {
	return func(s *types.MetricSample) {
		s.Success = false
		s.Error = reason
		s.Value = types.Value{}
	}
}

// WithSampleTags sets the sample tags.
func WithSampleTags(tags map[string]string) SampleOpt {
	return func(s *types.MetricSample) { s.Tags = tags }
}
