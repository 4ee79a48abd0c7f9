package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetmon/fleetmon/internal/retry"
	"github.com/fleetmon/fleetmon/internal/store"
	"github.com/fleetmon/fleetmon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingNotifier counts deliveries per alert state.
type recordingNotifier struct {
	name string

	mu    sync.Mutex
	sent  []types.Alert
	fails int // fail this many sends before succeeding
}

func (n *recordingNotifier) Name() string { return n.name }

func (n *recordingNotifier) Send(ctx context.Context, alert *types.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fails > 0 {
		n.fails--
		return errors.New("connection refused")
	}
	n.sent = append(n.sent, *alert)
	return nil
}

func (n *recordingNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newTestEngine(t *testing.T) (*Engine, *store.Memory, *recordingNotifier, *time.Time) {
	t.Helper()

	mem := store.NewMemory(0)
	notifier := &recordingNotifier{name: "noc"}
	reg := NewNotifierRegistry()
	if err := reg.Register(notifier); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	cfg := DefaultConfig()
	cfg.NotifyRetry = retry.Policy{Strategy: retry.StrategyFixed, MaxAttempts: 3, BaseDelay: time.Millisecond}

	e := NewEngine(cfg, mem, reg, testLogger())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	e.now = func() time.Time { return *clock }
	return e, mem, notifier, clock
}

func cpuMemRule(cooldown time.Duration) types.AlertRule {
	return types.AlertRule{
		ID:   "high-load",
		Name: "High Load",
		Conditions: []types.Condition{
			{Metric: "cpu_usage", Op: types.OpGreaterThan, Threshold: types.NumberValue(90)},
			{Metric: "mem_usage", Op: types.OpGreaterThan, Threshold: types.NumberValue(90)},
		},
		Operator: types.BoolAnd,
		Severity: types.SeverityCritical,
		Cooldown: cooldown,
		Channels: []string{"noc"},
		Enabled:  true,
	}
}

func sample(device, metric string, v float64, ts time.Time) types.MetricSample {
	return types.MetricSample{
		DeviceID:  device,
		Metric:    metric,
		Value:     types.NumberValue(v),
		Timestamp: ts,
		Success:   true,
	}
}

func TestEngine_AndRuleFiresOnlyWhenAllConditionsMet(t *testing.T) {
	ctx := context.Background()
	e, _, notifier, clock := newTestEngine(t)
	if err := e.AddRule(cpuMemRule(0)); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	// CPU high, memory fine: no fire.
	changed := e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 95, *clock),
		sample("sw-01", "mem_usage", 40, *clock),
	})
	if len(changed) != 0 {
		t.Fatalf("expected no alerts, got %d", len(changed))
	}

	// Memory crosses too: fire.
	changed = e.Process(ctx, []types.MetricSample{
		sample("sw-01", "mem_usage", 93, *clock),
	})
	if len(changed) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(changed))
	}
	a := changed[0]
	if a.State != types.AlertFiring || a.Severity != types.SeverityCritical {
		t.Errorf("unexpected alert: %+v", a)
	}
	if v, _ := a.Snapshot["cpu_usage"].Float(); v != 95 {
		t.Errorf("snapshot should hold the latest cpu value, got %v", a.Snapshot)
	}

	e.Drain()
	if notifier.sentCount() != 1 {
		t.Errorf("expected 1 notification, got %d", notifier.sentCount())
	}
}

func TestEngine_CooldownSuppressesRenotification(t *testing.T) {
	ctx := context.Background()
	e, _, notifier, clock := newTestEngine(t)
	if err := e.AddRule(cpuMemRule(5 * time.Minute)); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	fire := []types.MetricSample{
		sample("sw-01", "cpu_usage", 95, *clock),
		sample("sw-01", "mem_usage", 95, *clock),
	}
	changed := e.Process(ctx, fire)
	if len(changed) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(changed))
	}
	alertID := changed[0].ID

	// Still firing one minute later: refresh, no second notification.
	*clock = clock.Add(time.Minute)
	changed = e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 97, *clock),
		sample("sw-01", "mem_usage", 96, *clock),
	})
	if len(changed) != 1 {
		t.Fatalf("expected 1 refreshed alert, got %d", len(changed))
	}
	if changed[0].ID != alertID {
		t.Error("expected the same alert to be refreshed, not a duplicate")
	}
	e.Drain()
	if notifier.sentCount() != 1 {
		t.Fatalf("expected notification suppressed inside cooldown, got %d", notifier.sentCount())
	}

	// Past the cooldown: re-notify the still-firing alert.
	*clock = clock.Add(5 * time.Minute)
	e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 98, *clock),
		sample("sw-01", "mem_usage", 97, *clock),
	})
	e.Drain()
	if notifier.sentCount() != 2 {
		t.Errorf("expected re-notification after cooldown, got %d", notifier.sentCount())
	}
}

func TestEngine_AutoResolveOnConditionClear(t *testing.T) {
	ctx := context.Background()
	e, mem, notifier, clock := newTestEngine(t)
	if err := e.AddRule(cpuMemRule(0)); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	changed := e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 95, *clock),
		sample("sw-01", "mem_usage", 95, *clock),
	})
	alertID := changed[0].ID

	*clock = clock.Add(time.Minute)
	changed = e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 20, *clock),
	})
	if len(changed) != 1 || changed[0].State != types.AlertResolved {
		t.Fatalf("expected resolved alert, got %+v", changed)
	}

	got, _ := mem.GetAlert(ctx, alertID)
	if got.State != types.AlertResolved || got.ResolvedAt == nil {
		t.Errorf("alert not resolved in store: %+v", got)
	}

	events, err := e.Events(ctx, alertID)
	if err != nil {
		t.Fatalf("Events() error: %v", err)
	}
	if len(events) != 2 || events[0].EventType != "created" || events[1].EventType != "resolved" {
		t.Errorf("unexpected event history: %+v", events)
	}

	// Re-trigger creates a fresh alert, not a resurrection.
	*clock = clock.Add(time.Minute)
	changed = e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 99, *clock),
	})
	if len(changed) != 1 || changed[0].ID == alertID {
		t.Errorf("expected a new alert after resolution, got %+v", changed)
	}

	e.Drain()
	_ = notifier
}

func TestEngine_OrRule(t *testing.T) {
	ctx := context.Background()
	e, _, _, clock := newTestEngine(t)
	rule := cpuMemRule(0)
	rule.ID = "any-load"
	rule.Operator = types.BoolOr
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	changed := e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 95, *clock),
	})
	if len(changed) != 1 {
		t.Fatalf("expected OR rule to fire on one met condition, got %d", len(changed))
	}
}

func TestEngine_StringConditionOnOperStatus(t *testing.T) {
	ctx := context.Background()
	e, _, _, clock := newTestEngine(t)
	rule := types.AlertRule{
		ID:   "link-down",
		Name: "Link Down",
		Conditions: []types.Condition{
			{Metric: "oper_status", Op: types.OpNotEqual, Threshold: types.StringValue("up")},
		},
		Severity: types.SeverityCritical,
		Enabled:  true,
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	changed := e.Process(ctx, []types.MetricSample{{
		DeviceID: "sw-01", Metric: "oper_status",
		Value: types.StringValue("down"), Timestamp: *clock, Success: true,
	}})
	if len(changed) != 1 {
		t.Fatalf("expected link-down alert, got %d", len(changed))
	}
}

func TestEngine_DeviceScopedCondition(t *testing.T) {
	ctx := context.Background()
	e, _, _, clock := newTestEngine(t)
	rule := cpuMemRule(0)
	rule.Conditions[0].DeviceIDs = []string{"core-01"}
	rule.Conditions[1].DeviceIDs = []string{"core-01"}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	changed := e.Process(ctx, []types.MetricSample{
		sample("edge-07", "cpu_usage", 99, *clock),
		sample("edge-07", "mem_usage", 99, *clock),
	})
	if len(changed) != 0 {
		t.Errorf("rule scoped to core-01 must not fire for edge-07, got %+v", changed)
	}

	changed = e.Process(ctx, []types.MetricSample{
		sample("core-01", "cpu_usage", 99, *clock),
		sample("core-01", "mem_usage", 99, *clock),
	})
	if len(changed) != 1 {
		t.Errorf("expected fire for in-scope device, got %d", len(changed))
	}
}

func TestEngine_StoreFallbackForUnseenMetric(t *testing.T) {
	ctx := context.Background()
	e, mem, _, clock := newTestEngine(t)
	if err := e.AddRule(cpuMemRule(0)); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	// mem_usage exists only in the store, predating the engine.
	err := mem.Store(ctx, []types.MetricSample{
		sample("sw-01", "mem_usage", 95, clock.Add(-time.Minute)),
	})
	if err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	changed := e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 95, *clock),
	})
	if len(changed) != 1 {
		t.Fatalf("expected fire using store fallback value, got %d", len(changed))
	}
}

func TestEngine_AcknowledgeFlow(t *testing.T) {
	ctx := context.Background()
	e, _, notifier, clock := newTestEngine(t)
	if err := e.AddRule(cpuMemRule(0)); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	changed := e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 95, *clock),
		sample("sw-01", "mem_usage", 95, *clock),
	})
	alertID := changed[0].ID
	e.Drain()
	base := notifier.sentCount()

	acked, err := e.Acknowledge(ctx, alertID, "noc-oncall")
	if err != nil {
		t.Fatalf("Acknowledge() error: %v", err)
	}
	if acked.State != types.AlertAcknowledged || acked.AcknowledgedBy != "noc-oncall" {
		t.Errorf("unexpected acked alert: %+v", acked)
	}
	if _, err := e.Acknowledge(ctx, alertID, "again"); err == nil {
		t.Error("expected error acknowledging a non-firing alert")
	}

	// Acknowledged alerts refresh silently: no notifications.
	*clock = clock.Add(time.Minute)
	e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 97, *clock),
		sample("sw-01", "mem_usage", 96, *clock),
	})
	e.Drain()
	if notifier.sentCount() != base {
		t.Errorf("acknowledged alert must not re-notify, got %d extra", notifier.sentCount()-base)
	}

	resolved, err := e.Resolve(ctx, alertID, "replaced line card")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if resolved.State != types.AlertResolved || resolved.Notes != "replaced line card" {
		t.Errorf("unexpected resolved alert: %+v", resolved)
	}
}

func TestEngine_CorrelationGroupsByTag(t *testing.T) {
	ctx := context.Background()
	e, _, _, clock := newTestEngine(t)
	rule := cpuMemRule(0)
	rule.Operator = types.BoolOr
	rule.GroupBy = []string{"site"}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	mk := func(dev, site string) types.MetricSample {
		s := sample(dev, "cpu_usage", 95, *clock)
		s.Tags = map[string]string{"site": site}
		return s
	}
	e.Process(ctx, []types.MetricSample{mk("sw-01", "nyc"), mk("sw-02", "nyc"), mk("sw-03", "chi")})

	groups, err := e.Correlated(ctx)
	if err != nil {
		t.Fatalf("Correlated() error: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 per-device groups, got %d", len(groups))
	}
	if groups[0].CorrelationKey != "device:sw-01|site=nyc" {
		t.Errorf("unexpected correlation key: %s", groups[0].CorrelationKey)
	}
	e.Drain()
}

func TestEngine_DisabledRuleSkipped(t *testing.T) {
	ctx := context.Background()
	e, _, _, clock := newTestEngine(t)
	rule := cpuMemRule(0)
	rule.Enabled = false
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	changed := e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 95, *clock),
		sample("sw-01", "mem_usage", 95, *clock),
	})
	if len(changed) != 0 {
		t.Fatalf("disabled rule must not fire, got %d", len(changed))
	}

	if err := e.SetRuleEnabled("high-load", true); err != nil {
		t.Fatalf("SetRuleEnabled() error: %v", err)
	}
	changed = e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 96, *clock),
	})
	if len(changed) != 1 {
		t.Errorf("expected fire after enabling, got %d", len(changed))
	}
}

func TestEngine_NotificationRetries(t *testing.T) {
	ctx := context.Background()
	e, _, notifier, clock := newTestEngine(t)
	notifier.fails = 2 // first two sends fail, third succeeds
	if err := e.AddRule(cpuMemRule(0)); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	e.Process(ctx, []types.MetricSample{
		sample("sw-01", "cpu_usage", 95, *clock),
		sample("sw-01", "mem_usage", 95, *clock),
	})
	e.Drain()
	if notifier.sentCount() != 1 {
		t.Errorf("expected delivery after retries, got %d", notifier.sentCount())
	}
}
