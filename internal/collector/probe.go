// Package collector polls registered devices for their applicable metrics
// through a fixed-size worker pool.
//
// # Design
//
// One goroutine per device drives that device's schedule. A tick enqueues the
// device's full metric pass onto a shared queue consumed by the pool, so a
// slow or hung device occupies at most one worker while every other device
// keeps its cadence. Per-device circuit breakers and a retry policy wrap each
// probe; every outcome, including failures and breaker denials, becomes a
// sample.
//
// # Adding New Probes
//
// To add a new probe type:
//
//  1. Create a type implementing the MetricProbe interface
//  2. Register it in the registry under a unique name
//  3. Point the collector at it via Config.Probe
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// MetricProbe obtains one metric value from one device.
//
// Probes must be safe for concurrent use: the pool calls Collect from many
// workers at once, possibly for the same device.
type MetricProbe interface {
	// Name returns the unique identifier for this probe (e.g. "command")
	Name() string

	// Collect runs the definition's command against the device and returns
	// the observed value.
	Collect(ctx context.Context, device types.Device, def types.MetricDefinition) (types.Value, error)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages available probes.
type Registry struct {
	probes map[string]MetricProbe
	mu     sync.RWMutex
}

// NewRegistry creates a new probe registry.
func NewRegistry() *Registry {
	return &Registry{
		probes: make(map[string]MetricProbe),
	}
}

// Register adds a probe to the registry.
// Returns an error if a probe with the same name is already registered.
func (r *Registry) Register(p MetricProbe) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.probes[name]; exists {
		return fmt.Errorf("probe already registered: %s", name)
	}
	r.probes[name] = p
	return nil
}

// Get returns a probe by name.
func (r *Registry) Get(name string) (MetricProbe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[name]
	return p, ok
}

// List returns all registered probe names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.probes))
	for n := range r.probes {
		names = append(names, n)
	}
	return names
}

// =============================================================================
// COMMAND PROBE
// =============================================================================

// ExecFunc runs a raw command against a device and returns its value.
// Implementations bridge to whatever transport reaches the fleet (SNMP
// gateway, SSH runner, vendor API); the collector only sees the result.
type ExecFunc func(ctx context.Context, device types.Device, command string) (types.Value, error)

// CommandProbe adapts an ExecFunc to the MetricProbe interface, imposing a
// per-attempt timeout and checking the returned value kind against the
// definition.
type CommandProbe struct {
	exec    ExecFunc
	timeout time.Duration
}

// NewCommandProbe creates a command probe. timeout<=0 disables the deadline.
func NewCommandProbe(exec ExecFunc, timeout time.Duration) *CommandProbe {
	return &CommandProbe{exec: exec, timeout: timeout}
}

// Name implements MetricProbe.
func (p *CommandProbe) Name() string { return "command" }

// Collect implements MetricProbe.
func (p *CommandProbe) Collect(ctx context.Context, device types.Device, def types.MetricDefinition) (types.Value, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	v, err := p.exec(ctx, device, def.Command)
	if err != nil {
		return types.Value{}, err
	}
	if def.ValueType != "" && v.Kind != def.ValueType {
		return types.Value{}, fmt.Errorf("metric %s: expected %s value, got %s", def.Name, def.ValueType, v.Kind)
	}
	return v, nil
}
