// Package alert evaluates rules against incoming samples and drives the
// alert lifecycle.
//
// # Design
//
// The engine holds a latest-known-value map fed by the sample stream, so
// rule evaluation never waits on storage for metrics it has already seen;
// the store is only consulted for metrics that predate the engine. At most
// one active alert exists per (rule, device, correlation key): a re-trigger
// refreshes the existing alert's snapshot, and notifications for the same
// firing condition are spaced by the rule's cooldown. Notification dispatch
// runs in its own goroutine per channel and never blocks evaluation.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetmon/fleetmon/internal/retry"
	"github.com/fleetmon/fleetmon/pkg/types"
)

// Store is what the engine needs from persistence.
type Store interface {
	CreateAlert(ctx context.Context, alert *types.Alert) error
	UpdateAlert(ctx context.Context, alert *types.Alert) error
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error)
	AppendAlertEvent(ctx context.Context, event *types.AlertEvent) error
	ListAlertEvents(ctx context.Context, alertID string) ([]types.AlertEvent, error)
	AlertStats(ctx context.Context) (types.AlertStats, error)

	// Latest backfills values the engine has not seen on its own stream.
	Latest(ctx context.Context, deviceID string, metrics ...string) ([]types.MetricSample, error)
}

// Config holds engine tuning.
type Config struct {
	// NotifyRetry wraps each notification delivery.
	NotifyRetry retry.Policy

	// NotifyTimeout bounds one delivery attempt chain.
	NotifyTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		NotifyRetry:   retry.DefaultPolicy(),
		NotifyTimeout: 30 * time.Second,
	}
}

// Engine evaluates alert rules and owns the alert lifecycle.
type Engine struct {
	cfg       Config
	store     Store
	notifiers *NotifierRegistry
	logger    *slog.Logger

	mu    sync.Mutex
	rules map[string]*types.AlertRule

	// latest[device][metric] is the newest successful value seen.
	latest     map[string]map[string]types.Value
	deviceTags map[string]map[string]string

	// active maps (rule, device, correlation key) to the active alert ID.
	active       map[string]string
	lastNotified map[string]time.Time

	dispatchWg sync.WaitGroup

	now func() time.Time
}

// NewEngine creates an alert engine.
func NewEngine(cfg Config, store Store, notifiers *NotifierRegistry, logger *slog.Logger) *Engine {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultConfig().NotifyTimeout
	}
	return &Engine{
		cfg:          cfg,
		store:        store,
		notifiers:    notifiers,
		logger:       logger.With("component", "alert_engine"),
		rules:        make(map[string]*types.AlertRule),
		latest:       make(map[string]map[string]types.Value),
		deviceTags:   make(map[string]map[string]string),
		active:       make(map[string]string),
		lastNotified: make(map[string]time.Time),
		now:          time.Now,
	}
}

// AddRule registers a rule. The rule is validated first.
func (e *Engine) AddRule(rule types.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Operator == "" {
		rule.Operator = types.BoolAnd
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return fmt.Errorf("rule already registered: %s", rule.ID)
	}
	e.rules[rule.ID] = &rule
	return nil
}

// RemoveRule deletes a rule. Its active alerts remain until resolved.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("rule not registered: %s", id)
	}
	delete(e.rules, id)
	return nil
}

// SetRuleEnabled toggles a rule without forgetting it.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("rule not registered: %s", id)
	}
	rule.Enabled = enabled
	return nil
}

// Rules returns the registered rules sorted by ID.
func (e *Engine) Rules() []types.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// activeKey identifies one active-alert slot.
func activeKey(ruleID, deviceID, correlationKey string) string {
	return ruleID + "\x00" + deviceID + "\x00" + correlationKey
}

// Process evaluates all rules against a batch of samples and returns the
// alerts created, refreshed, or resolved this cycle.
func (e *Engine) Process(ctx context.Context, samples []types.MetricSample) []types.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Fold the batch into the latest-value map and note which devices saw
	// which metrics, preserving batch order per device.
	touched := make(map[string]map[string]bool)
	for i := range samples {
		s := &samples[i]
		if s.Success {
			if e.latest[s.DeviceID] == nil {
				e.latest[s.DeviceID] = make(map[string]types.Value)
			}
			e.latest[s.DeviceID][s.Metric] = s.Value
		}
		if len(s.Tags) > 0 {
			e.deviceTags[s.DeviceID] = s.Tags
		}
		if touched[s.DeviceID] == nil {
			touched[s.DeviceID] = make(map[string]bool)
		}
		touched[s.DeviceID][s.Metric] = true
	}

	devices := make([]string, 0, len(touched))
	for d := range touched {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	var changed []types.Alert
	for _, rule := range e.sortedRules() {
		if !rule.Enabled {
			continue
		}
		for _, deviceID := range devices {
			if !ruleTouches(rule, touched[deviceID]) {
				continue
			}
			alert, ok := e.evaluateRule(ctx, rule, deviceID)
			if ok {
				changed = append(changed, *alert)
			}
		}
	}
	return changed
}

// sortedRules returns rules in ID order for deterministic evaluation.
// Callers hold the lock.
func (e *Engine) sortedRules() []*types.AlertRule {
	out := make([]*types.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ruleTouches reports whether any of the rule's metrics arrived in this
// batch for the device.
func ruleTouches(rule *types.AlertRule, metrics map[string]bool) bool {
	for _, m := range rule.Metrics() {
		if metrics[m] {
			return true
		}
	}
	return false
}

// evaluateRule evaluates one rule for one device and applies the outcome.
// Callers hold the lock. Returns the changed alert, if any.
func (e *Engine) evaluateRule(ctx context.Context, rule *types.AlertRule, deviceID string) (*types.Alert, bool) {
	firing, snapshot, err := e.conditionsMet(ctx, rule, deviceID)
	if err != nil {
		e.logger.Warn("rule evaluation failed, skipping for this cycle",
			"rule_id", rule.ID,
			"device_id", deviceID,
			"error", err,
		)
		return nil, false
	}

	corrKey := rule.CorrelationKey(deviceID, e.deviceTags[deviceID])
	key := activeKey(rule.ID, deviceID, corrKey)
	activeID, hasActive := e.active[key]

	switch {
	case firing && !hasActive:
		return e.fire(ctx, rule, deviceID, corrKey, key, snapshot)
	case firing && hasActive:
		return e.refresh(ctx, rule, activeID, key, snapshot)
	case !firing && hasActive:
		return e.autoResolve(ctx, rule, activeID, key)
	default:
		return nil, false
	}
}

// conditionsMet evaluates the rule's conditions for a device. A condition
// whose metric has no known value evaluates false; the other branch of an
// OR can still fire.
func (e *Engine) conditionsMet(ctx context.Context, rule *types.AlertRule, deviceID string) (bool, map[string]types.Value, error) {
	snapshot := make(map[string]types.Value)
	results := make([]bool, 0, len(rule.Conditions))

	for i := range rule.Conditions {
		c := &rule.Conditions[i]
		if !c.AppliesTo(deviceID) {
			continue
		}
		value, ok := e.lookupValue(ctx, deviceID, c.Metric)
		if !ok {
			results = append(results, false)
			continue
		}
		snapshot[c.Metric] = value

		met, err := c.Eval(value)
		if err != nil {
			return false, nil, err
		}
		results = append(results, met)
	}

	if len(results) == 0 {
		return false, snapshot, nil
	}
	if rule.Operator == types.BoolOr {
		for _, r := range results {
			if r {
				return true, snapshot, nil
			}
		}
		return false, snapshot, nil
	}
	for _, r := range results {
		if !r {
			return false, snapshot, nil
		}
	}
	return true, snapshot, nil
}

// lookupValue reads the latest-known value, falling back to the store for
// metrics the engine has never seen on its stream. Callers hold the lock.
func (e *Engine) lookupValue(ctx context.Context, deviceID, metric string) (types.Value, bool) {
	if v, ok := e.latest[deviceID][metric]; ok {
		return v, true
	}
	samples, err := e.store.Latest(ctx, deviceID, metric)
	if err != nil {
		e.logger.Warn("latest-value fallback failed",
			"device_id", deviceID,
			"metric", metric,
			"error", err,
		)
		return types.Value{}, false
	}
	for i := range samples {
		if samples[i].Success {
			if e.latest[deviceID] == nil {
				e.latest[deviceID] = make(map[string]types.Value)
			}
			e.latest[deviceID][metric] = samples[i].Value
			return samples[i].Value, true
		}
	}
	return types.Value{}, false
}

// fire creates a new alert and dispatches notifications, honoring the
// cooldown left by any previous alert on the same slot.
func (e *Engine) fire(ctx context.Context, rule *types.AlertRule, deviceID, corrKey, key string, snapshot map[string]types.Value) (*types.Alert, bool) {
	now := e.now()
	alert := &types.Alert{
		ID:             uuid.New().String(),
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		DeviceID:       deviceID,
		State:          types.AlertFiring,
		Severity:       rule.Severity,
		Snapshot:       snapshot,
		Title:          fmt.Sprintf("%s on %s", rule.Name, deviceID),
		Message:        describeSnapshot(rule, snapshot),
		CorrelationKey: corrKey,
		CreatedAt:      now,
		LastRefreshed:  now,
	}

	if err := e.store.CreateAlert(ctx, alert); err != nil {
		e.logger.Error("failed to persist alert", "rule_id", rule.ID, "device_id", deviceID, "error", err)
		return nil, false
	}
	e.appendEvent(ctx, alert.ID, "created", "", types.AlertFiring, alert.Message)
	e.active[key] = alert.ID

	if e.cooldownElapsed(key, rule.Cooldown, now) {
		alert.LastNotifiedAt = now
		e.lastNotified[key] = now
		if err := e.store.UpdateAlert(ctx, alert); err != nil {
			e.logger.Error("failed to record notification time", "alert_id", alert.ID, "error", err)
		}
		e.dispatch(rule.Channels, alert)
	}

	e.logger.Info("alert fired",
		"alert_id", alert.ID,
		"rule_id", rule.ID,
		"device_id", deviceID,
		"severity", alert.Severity,
	)
	return alert, true
}

// refresh updates an active alert's snapshot; re-notifies only once the
// cooldown has elapsed.
func (e *Engine) refresh(ctx context.Context, rule *types.AlertRule, alertID, key string, snapshot map[string]types.Value) (*types.Alert, bool) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil || alert == nil {
		e.logger.Error("active alert missing from store", "alert_id", alertID, "error", err)
		delete(e.active, key)
		return nil, false
	}

	now := e.now()
	alert.Snapshot = snapshot
	alert.LastRefreshed = now

	// A rule definition swap can change severity mid-flight.
	if alert.Severity != rule.Severity {
		old := alert.Severity
		alert.Severity = rule.Severity
		eventType := "escalated"
		if rule.Severity.Level() < old.Level() {
			eventType = "deescalated"
		}
		e.appendEvent(ctx, alert.ID, eventType, alert.State, alert.State,
			fmt.Sprintf("severity %s -> %s", old, rule.Severity))
	}

	notify := alert.State == types.AlertFiring && e.cooldownElapsed(key, rule.Cooldown, now)
	if notify {
		alert.LastNotifiedAt = now
		e.lastNotified[key] = now
	}

	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		e.logger.Error("failed to refresh alert", "alert_id", alert.ID, "error", err)
		return nil, false
	}
	if notify {
		e.dispatch(rule.Channels, alert)
	}
	return alert, true
}

// autoResolve closes an active alert whose condition has cleared.
func (e *Engine) autoResolve(ctx context.Context, rule *types.AlertRule, alertID, key string) (*types.Alert, bool) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil || alert == nil {
		e.logger.Error("active alert missing from store", "alert_id", alertID, "error", err)
		delete(e.active, key)
		return nil, false
	}

	now := e.now()
	oldState := alert.State
	alert.State = types.AlertResolved
	alert.ResolvedAt = &now

	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		e.logger.Error("failed to resolve alert", "alert_id", alert.ID, "error", err)
		return nil, false
	}
	e.appendEvent(ctx, alert.ID, "resolved", oldState, types.AlertResolved, "condition cleared")
	delete(e.active, key)

	e.dispatch(rule.Channels, alert)
	e.logger.Info("alert resolved",
		"alert_id", alert.ID,
		"rule_id", rule.ID,
		"device_id", alert.DeviceID,
	)
	return alert, true
}

// cooldownElapsed reports whether the slot may notify again. Callers hold
// the lock.
func (e *Engine) cooldownElapsed(key string, cooldown time.Duration, now time.Time) bool {
	if cooldown <= 0 {
		return true
	}
	last, ok := e.lastNotified[key]
	if !ok {
		return true
	}
	return now.Sub(last) >= cooldown
}

// describeSnapshot renders a short human-readable trigger description.
func describeSnapshot(rule *types.AlertRule, snapshot map[string]types.Value) string {
	parts := make([]string, 0, len(rule.Conditions))
	for _, c := range rule.Conditions {
		if v, ok := snapshot[c.Metric]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s (%s %s)", c.Metric, v.String(), c.Op, c.Threshold.String()))
		}
	}
	if len(parts) == 0 {
		return rule.Name
	}
	msg := parts[0]
	for _, p := range parts[1:] {
		msg += ", " + p
	}
	return msg
}

// appendEvent records one lifecycle event; failures are logged, never fatal.
func (e *Engine) appendEvent(ctx context.Context, alertID, eventType string, oldState, newState types.AlertState, detail string) {
	event := &types.AlertEvent{
		AlertID:   alertID,
		EventType: eventType,
		OldState:  oldState,
		NewState:  newState,
		Detail:    detail,
		CreatedAt: e.now(),
	}
	if err := e.store.AppendAlertEvent(ctx, event); err != nil {
		e.logger.Error("failed to append alert event", "alert_id", alertID, "event", eventType, "error", err)
	}
}

// =============================================================================
// LIFECYCLE OPERATIONS
// =============================================================================

// Acknowledge moves a firing alert to acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, id, by string) (*types.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, fmt.Errorf("alert not found: %s", id)
	}
	if alert.State != types.AlertFiring {
		return nil, fmt.Errorf("alert %s is %s, only firing alerts can be acknowledged", id, alert.State)
	}

	now := e.now()
	alert.State = types.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = by
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}
	e.appendEvent(ctx, alert.ID, "acknowledged", types.AlertFiring, types.AlertAcknowledged, "by "+by)
	return alert, nil
}

// Resolve closes an alert manually.
func (e *Engine) Resolve(ctx context.Context, id, notes string) (*types.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, fmt.Errorf("alert not found: %s", id)
	}
	if alert.State == types.AlertResolved {
		return nil, fmt.Errorf("alert %s is already resolved", id)
	}

	now := e.now()
	oldState := alert.State
	alert.State = types.AlertResolved
	alert.ResolvedAt = &now
	alert.Notes = notes
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}
	e.appendEvent(ctx, alert.ID, "resolved", oldState, types.AlertResolved, notes)

	delete(e.active, activeKey(alert.RuleID, alert.DeviceID, alert.CorrelationKey))
	return alert, nil
}

// ActiveAlerts lists firing and acknowledged alerts matching the filter.
func (e *Engine) ActiveAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	all, err := e.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.State.Active() {
			out = append(out, a)
		}
	}
	return out, nil
}

// History lists alerts in any state matching the filter.
func (e *Engine) History(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	return e.store.ListAlerts(ctx, filter)
}

// Events returns an alert's lifecycle history, oldest first.
func (e *Engine) Events(ctx context.Context, alertID string) ([]types.AlertEvent, error) {
	return e.store.ListAlertEvents(ctx, alertID)
}

// Stats summarizes the current alert population.
func (e *Engine) Stats(ctx context.Context) (types.AlertStats, error) {
	return e.store.AlertStats(ctx)
}

// Correlated groups active alerts by correlation key for presentation.
func (e *Engine) Correlated(ctx context.Context) ([]types.CorrelatedAlert, error) {
	active, err := e.ActiveAlerts(ctx, types.AlertFilter{})
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*types.CorrelatedAlert)
	for _, a := range active {
		g, ok := groups[a.CorrelationKey]
		if !ok {
			g = &types.CorrelatedAlert{
				CorrelationKey: a.CorrelationKey,
				MaxSeverity:    a.Severity,
				FirstCreatedAt: a.CreatedAt,
				LastRefreshed:  a.LastRefreshed,
			}
			groups[a.CorrelationKey] = g
		}
		g.AlertIDs = append(g.AlertIDs, a.ID)
		g.DeviceIDs = appendUnique(g.DeviceIDs, a.DeviceID)
		if a.Severity.Level() > g.MaxSeverity.Level() {
			g.MaxSeverity = a.Severity
		}
		if a.CreatedAt.Before(g.FirstCreatedAt) {
			g.FirstCreatedAt = a.CreatedAt
		}
		if a.LastRefreshed.After(g.LastRefreshed) {
			g.LastRefreshed = a.LastRefreshed
		}
	}

	out := make([]types.CorrelatedAlert, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CorrelationKey < out[j].CorrelationKey })
	return out, nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// =============================================================================
// NOTIFICATION DISPATCH
// =============================================================================

// dispatch sends the alert to each named channel in its own goroutine,
// retried per the policy. Undeliverable notifications are logged and
// dropped.
func (e *Engine) dispatch(channels []string, alert *types.Alert) {
	if len(channels) == 0 {
		return
	}
	snapshot := *alert // copy; the engine keeps mutating its own view

	for _, name := range channels {
		notifier, ok := e.notifiers.Get(name)
		if !ok {
			e.logger.Warn("unknown notification channel", "channel", name, "alert_id", alert.ID)
			continue
		}
		e.dispatchWg.Add(1)
		go func(n Notifier) {
			defer e.dispatchWg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
			defer cancel()

			err := e.cfg.NotifyRetry.Do(ctx, func(ctx context.Context) error {
				return n.Send(ctx, &snapshot)
			})
			if err != nil {
				e.logger.Error("notification undelivered",
					"channel", n.Name(),
					"alert_id", snapshot.ID,
					"error", err,
				)
			}
		}(notifier)
	}
}

// Drain waits for in-flight notification dispatches. Call on shutdown.
func (e *Engine) Drain() {
	e.dispatchWg.Wait()
}
