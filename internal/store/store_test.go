package store

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/fleetmon/fleetmon/pkg/types"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func sampleAt(device, metric string, v float64, ts time.Time) types.MetricSample {
	return types.MetricSample{
		DeviceID:  device,
		Metric:    metric,
		Value:     types.NumberValue(v),
		Unit:      "percent",
		Timestamp: ts,
		Success:   true,
	}
}

// backends returns each store implementation under a fixed clock.
func backends(t *testing.T, retention time.Duration, now func() time.Time) map[string]Store {
	t.Helper()

	mem := NewMemory(retention)
	mem.now = now

	bdg, err := NewBadger(BadgerConfig{Path: t.TempDir(), Retention: retention})
	if err != nil {
		t.Fatalf("opening badger: %v", err)
	}
	bdg.now = now
	t.Cleanup(func() { bdg.Close() })

	return map[string]Store{"memory": mem, "badger": bdg}
}

func TestStore_QueryRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t, 0, func() time.Time { return baseTime }) {
		t.Run(name, func(t *testing.T) {
			samples := []types.MetricSample{
				sampleAt("sw-01", "cpu_usage", 42, baseTime),
				sampleAt("sw-01", "cpu_usage", 55, baseTime.Add(time.Minute)),
				sampleAt("sw-02", "cpu_usage", 80, baseTime.Add(2*time.Minute)),
				sampleAt("sw-01", "mem_usage", 31, baseTime.Add(3*time.Minute)),
				{
					DeviceID:  "sw-02",
					Metric:    "oper_status",
					Value:     types.StringValue("up"),
					Timestamp: baseTime.Add(4 * time.Minute),
					Tags:      map[string]string{"site": "nyc"},
					Success:   true,
				},
			}
			if err := s.Store(ctx, samples); err != nil {
				t.Fatalf("Store() error: %v", err)
			}

			got, err := s.Query(ctx, types.SampleFilter{DeviceIDs: []string{"sw-01"}, Metrics: []string{"cpu_usage"}})
			if err != nil {
				t.Fatalf("Query() error: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 samples, got %d", len(got))
			}
			if !got[0].Timestamp.Before(got[1].Timestamp) {
				t.Error("expected ascending timestamp order by default")
			}
			if v, ok := got[0].Value.Float(); !ok || v != 42 {
				t.Errorf("expected first value 42, got %+v", got[0].Value)
			}

			// String values survive the round trip with tags intact.
			got, err = s.Query(ctx, types.SampleFilter{Metrics: []string{"oper_status"}})
			if err != nil {
				t.Fatalf("Query() error: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("expected 1 oper_status sample, got %d", len(got))
			}
			if got[0].Value.String() != "up" {
				t.Errorf("expected value 'up', got %q", got[0].Value.String())
			}
			if got[0].Tags["site"] != "nyc" {
				t.Errorf("expected tag site=nyc, got %v", got[0].Tags)
			}
		})
	}
}

func TestStore_QueryRangeAndPagination(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t, 0, func() time.Time { return baseTime }) {
		t.Run(name, func(t *testing.T) {
			var samples []types.MetricSample
			for i := 0; i < 10; i++ {
				samples = append(samples, sampleAt("sw-01", "cpu_usage", float64(i), baseTime.Add(time.Duration(i)*time.Minute)))
			}
			if err := s.Store(ctx, samples); err != nil {
				t.Fatalf("Store() error: %v", err)
			}

			// Half-open range [start, end): end boundary excluded.
			got, err := s.Query(ctx, types.SampleFilter{
				Start: baseTime.Add(2 * time.Minute),
				End:   baseTime.Add(5 * time.Minute),
			})
			if err != nil {
				t.Fatalf("Query() error: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 samples in [2m,5m), got %d", len(got))
			}

			// Descending with limit/offset.
			got, err = s.Query(ctx, types.SampleFilter{
				Order: types.SortDesc, Limit: 3, Offset: 2,
			})
			if err != nil {
				t.Fatalf("Query() error: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 samples, got %d", len(got))
			}
			if v, _ := got[0].Value.Float(); v != 7 {
				t.Errorf("expected newest-minus-offset value 7, got %v", v)
			}
		})
	}
}

func TestStore_Latest(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t, 0, func() time.Time { return baseTime }) {
		t.Run(name, func(t *testing.T) {
			err := s.Store(ctx, []types.MetricSample{
				sampleAt("sw-01", "cpu_usage", 10, baseTime),
				sampleAt("sw-01", "cpu_usage", 20, baseTime.Add(time.Minute)),
				sampleAt("sw-01", "mem_usage", 30, baseTime),
				sampleAt("sw-02", "cpu_usage", 99, baseTime.Add(time.Hour)),
			})
			if err != nil {
				t.Fatalf("Store() error: %v", err)
			}

			got, err := s.Latest(ctx, "sw-01")
			if err != nil {
				t.Fatalf("Latest() error: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected latest for 2 metrics, got %d", len(got))
			}
			byMetric := map[string]float64{}
			for _, sm := range got {
				v, _ := sm.Value.Float()
				byMetric[sm.Metric] = v
			}
			if byMetric["cpu_usage"] != 20 {
				t.Errorf("expected latest cpu_usage 20, got %v", byMetric["cpu_usage"])
			}
			if byMetric["mem_usage"] != 30 {
				t.Errorf("expected latest mem_usage 30, got %v", byMetric["mem_usage"])
			}

			got, err = s.Latest(ctx, "sw-01", "cpu_usage")
			if err != nil {
				t.Fatalf("Latest() error: %v", err)
			}
			if len(got) != 1 || got[0].Metric != "cpu_usage" {
				t.Errorf("expected only cpu_usage, got %+v", got)
			}
		})
	}
}

func TestStore_Aggregate(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t, 0, func() time.Time { return baseTime }) {
		t.Run(name, func(t *testing.T) {
			var samples []types.MetricSample
			for i := 1; i <= 10; i++ {
				samples = append(samples, sampleAt("sw-01", "latency_ms", float64(i*10), baseTime.Add(time.Duration(i)*time.Second)))
			}
			if err := s.Store(ctx, samples); err != nil {
				t.Fatalf("Store() error: %v", err)
			}

			filter := types.SampleFilter{Metrics: []string{"latency_ms"}}
			tests := []struct {
				fn   types.AggregateFunc
				want float64
			}{
				{types.AggMin, 10},
				{types.AggMax, 100},
				{types.AggAvg, 55},
				{types.AggSum, 550},
				{types.AggCount, 10},
				{types.AggP50, 55},
			}
			for _, tt := range tests {
				got, err := s.Aggregate(ctx, filter, tt.fn)
				if err != nil {
					t.Fatalf("Aggregate(%s) error: %v", tt.fn, err)
				}
				if math.Abs(got-tt.want) > 1e-9 {
					t.Errorf("Aggregate(%s) = %v, want %v", tt.fn, got, tt.want)
				}
			}

			if _, err := s.Aggregate(ctx, types.SampleFilter{Metrics: []string{"missing"}}, types.AggAvg); err == nil {
				t.Error("expected error aggregating an empty result set")
			}
			if got, err := s.Aggregate(ctx, types.SampleFilter{Metrics: []string{"missing"}}, types.AggCount); err != nil || got != 0 {
				t.Errorf("count over empty set = %v, %v; want 0, nil", got, err)
			}
		})
	}
}

func TestStore_Retention(t *testing.T) {
	ctx := context.Background()
	now := baseTime.Add(24 * time.Hour)

	for name, s := range backends(t, time.Hour, func() time.Time { return now }) {
		t.Run(name, func(t *testing.T) {
			err := s.Store(ctx, []types.MetricSample{
				sampleAt("sw-01", "cpu_usage", 1, now.Add(-3*time.Hour)),
				sampleAt("sw-01", "cpu_usage", 2, now.Add(-2*time.Hour)),
				sampleAt("sw-01", "cpu_usage", 3, now.Add(-30*time.Minute)),
				sampleAt("sw-01", "cpu_usage", 4, now.Add(-time.Minute)),
			})
			if err != nil {
				t.Fatalf("Store() error: %v", err)
			}

			pruned, err := s.ApplyRetention(ctx)
			if err != nil {
				t.Fatalf("ApplyRetention() error: %v", err)
			}
			if pruned != 2 {
				t.Errorf("expected 2 pruned samples, got %d", pruned)
			}

			got, err := s.Query(ctx, types.SampleFilter{})
			if err != nil {
				t.Fatalf("Query() error: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 surviving samples, got %d", len(got))
			}

			// Idempotent: a second pass has nothing left to prune.
			pruned, err = s.ApplyRetention(ctx)
			if err != nil {
				t.Fatalf("ApplyRetention() error: %v", err)
			}
			if pruned != 0 {
				t.Errorf("expected 0 pruned on second pass, got %d", pruned)
			}
		})
	}
}

func TestStore_Stats(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t, 0, func() time.Time { return baseTime }) {
		t.Run(name, func(t *testing.T) {
			err := s.Store(ctx, []types.MetricSample{
				sampleAt("sw-01", "cpu_usage", 1, baseTime),
				sampleAt("sw-01", "mem_usage", 2, baseTime.Add(time.Minute)),
				sampleAt("sw-02", "cpu_usage", 3, baseTime.Add(2*time.Minute)),
			})
			if err != nil {
				t.Fatalf("Store() error: %v", err)
			}

			stats, err := s.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats() error: %v", err)
			}
			if stats.TotalSamples != 3 {
				t.Errorf("expected 3 total samples, got %d", stats.TotalSamples)
			}
			if stats.ByDevice["sw-01"] != 2 || stats.ByDevice["sw-02"] != 1 {
				t.Errorf("unexpected per-device counts: %v", stats.ByDevice)
			}
			if stats.ByMetric["cpu_usage"] != 2 {
				t.Errorf("unexpected per-metric counts: %v", stats.ByMetric)
			}
			if !stats.OldestSample.Equal(baseTime) {
				t.Errorf("expected oldest %v, got %v", baseTime, stats.OldestSample)
			}
			if !stats.NewestSample.Equal(baseTime.Add(2 * time.Minute)) {
				t.Errorf("expected newest %v, got %v", baseTime.Add(2*time.Minute), stats.NewestSample)
			}
		})
	}
}

func TestStore_AlertLifecycle(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t, 0, func() time.Time { return baseTime }) {
		t.Run(name, func(t *testing.T) {
			alert := &types.Alert{
				ID:             "al-1",
				RuleID:         "rule-cpu",
				RuleName:       "High CPU",
				DeviceID:       "sw-01",
				State:          types.AlertFiring,
				Severity:       types.SeverityWarning,
				Snapshot:       map[string]types.Value{"cpu_usage": types.NumberValue(95)},
				CorrelationKey: "device:sw-01",
				CreatedAt:      baseTime,
			}
			if err := s.CreateAlert(ctx, alert); err != nil {
				t.Fatalf("CreateAlert() error: %v", err)
			}

			got, err := s.GetAlert(ctx, "al-1")
			if err != nil {
				t.Fatalf("GetAlert() error: %v", err)
			}
			if got == nil {
				t.Fatal("expected alert, got nil")
			}
			if v, _ := got.Snapshot["cpu_usage"].Float(); v != 95 {
				t.Errorf("expected snapshot cpu_usage 95, got %v", got.Snapshot)
			}

			// Unknown IDs return nil without error.
			got, err = s.GetAlert(ctx, "nope")
			if err != nil || got != nil {
				t.Errorf("GetAlert(unknown) = %v, %v; want nil, nil", got, err)
			}

			ackAt := baseTime.Add(10 * time.Minute)
			alert.State = types.AlertAcknowledged
			alert.AcknowledgedAt = &ackAt
			alert.AcknowledgedBy = "noc"
			if err := s.UpdateAlert(ctx, alert); err != nil {
				t.Fatalf("UpdateAlert() error: %v", err)
			}
			got, _ = s.GetAlert(ctx, "al-1")
			if got.State != types.AlertAcknowledged || got.AcknowledgedBy != "noc" {
				t.Errorf("unexpected alert after ack: %+v", got)
			}

			if err := s.UpdateAlert(ctx, &types.Alert{ID: "missing", CreatedAt: baseTime}); err != ErrNotFound {
				t.Errorf("expected ErrNotFound updating a missing alert, got %v", err)
			}
		})
	}
}

func TestStore_ListAlerts(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t, 0, func() time.Time { return baseTime }) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				state := types.AlertFiring
				sev := types.SeverityWarning
				if i%2 == 0 {
					sev = types.SeverityCritical
				}
				alert := &types.Alert{
					ID:        fmt.Sprintf("al-%d", i),
					RuleID:    "rule-cpu",
					DeviceID:  fmt.Sprintf("sw-%02d", i%2),
					State:     state,
					Severity:  sev,
					CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
				}
				if err := s.CreateAlert(ctx, alert); err != nil {
					t.Fatalf("CreateAlert() error: %v", err)
				}
			}

			got, err := s.ListAlerts(ctx, types.AlertFilter{})
			if err != nil {
				t.Fatalf("ListAlerts() error: %v", err)
			}
			if len(got) != 5 {
				t.Fatalf("expected 5 alerts, got %d", len(got))
			}
			if got[0].ID != "al-4" {
				t.Errorf("expected newest first, got %s", got[0].ID)
			}

			sev := types.SeverityCritical
			got, err = s.ListAlerts(ctx, types.AlertFilter{Severity: &sev})
			if err != nil {
				t.Fatalf("ListAlerts() error: %v", err)
			}
			if len(got) != 3 {
				t.Errorf("expected 3 critical alerts, got %d", len(got))
			}

			got, err = s.ListAlerts(ctx, types.AlertFilter{DeviceID: "sw-01", Limit: 1})
			if err != nil {
				t.Fatalf("ListAlerts() error: %v", err)
			}
			if len(got) != 1 || got[0].DeviceID != "sw-01" {
				t.Errorf("unexpected filtered result: %+v", got)
			}
		})
	}
}

func TestStore_AlertEvents(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t, 0, func() time.Time { return baseTime }) {
		t.Run(name, func(t *testing.T) {
			events := []types.AlertEvent{
				{AlertID: "al-1", EventType: "created", NewState: types.AlertFiring, CreatedAt: baseTime},
				{AlertID: "al-1", EventType: "acknowledged", OldState: types.AlertFiring, NewState: types.AlertAcknowledged, CreatedAt: baseTime.Add(time.Minute)},
				{AlertID: "al-2", EventType: "created", NewState: types.AlertFiring, CreatedAt: baseTime},
				{AlertID: "al-1", EventType: "resolved", OldState: types.AlertAcknowledged, NewState: types.AlertResolved, CreatedAt: baseTime.Add(2 * time.Minute)},
			}
			for i := range events {
				if err := s.AppendAlertEvent(ctx, &events[i]); err != nil {
					t.Fatalf("AppendAlertEvent() error: %v", err)
				}
			}

			got, err := s.ListAlertEvents(ctx, "al-1")
			if err != nil {
				t.Fatalf("ListAlertEvents() error: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 events for al-1, got %d", len(got))
			}
			wantOrder := []string{"created", "acknowledged", "resolved"}
			for i, e := range got {
				if e.EventType != wantOrder[i] {
					t.Errorf("event %d: expected %s, got %s", i, wantOrder[i], e.EventType)
				}
			}
		})
	}
}

func TestStore_AlertStats(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t, 0, func() time.Time { return baseTime }) {
		t.Run(name, func(t *testing.T) {
			resolvedAt := baseTime.Add(30 * time.Minute)
			alerts := []*types.Alert{
				{ID: "a1", RuleID: "r", DeviceID: "d1", State: types.AlertFiring, Severity: types.SeverityCritical, CreatedAt: baseTime},
				{ID: "a2", RuleID: "r", DeviceID: "d2", State: types.AlertAcknowledged, Severity: types.SeverityWarning, CreatedAt: baseTime},
				{ID: "a3", RuleID: "r", DeviceID: "d3", State: types.AlertResolved, Severity: types.SeverityWarning, CreatedAt: baseTime, ResolvedAt: &resolvedAt},
			}
			for _, a := range alerts {
				if err := s.CreateAlert(ctx, a); err != nil {
					t.Fatalf("CreateAlert() error: %v", err)
				}
			}

			stats, err := s.AlertStats(ctx)
			if err != nil {
				t.Fatalf("AlertStats() error: %v", err)
			}
			if stats.ActiveCount != 2 {
				t.Errorf("expected 2 active, got %d", stats.ActiveCount)
			}
			if stats.CriticalCount != 1 || stats.WarningCount != 1 {
				t.Errorf("unexpected severity counts: %+v", stats)
			}
			if stats.AcknowledgedCount != 1 || stats.ResolvedCount != 1 {
				t.Errorf("unexpected state counts: %+v", stats)
			}
			if stats.AvgResolutionMinutes == nil || math.Abs(*stats.AvgResolutionMinutes-30) > 1e-9 {
				t.Errorf("expected avg resolution 30m, got %v", stats.AvgResolutionMinutes)
			}
		})
	}
}

func TestBadger_ReopenPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := NewBadger(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("opening badger: %v", err)
	}
	err = b.Store(ctx, []types.MetricSample{
		sampleAt("sw-01", "cpu_usage", 77, baseTime),
	})
	if err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	b, err = NewBadger(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("reopening badger: %v", err)
	}
	defer b.Close()

	got, err := b.Query(ctx, types.SampleFilter{DeviceIDs: []string{"sw-01"}})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 sample after reopen, got %d", len(got))
	}
	if v, _ := got[0].Value.Float(); v != 77 {
		t.Errorf("expected 77 after reopen, got %v", v)
	}
}

func TestBadger_EventOrderSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := NewBadger(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("opening badger: %v", err)
	}
	before := []types.AlertEvent{
		{AlertID: "al-1", EventType: "created", NewState: types.AlertFiring, CreatedAt: baseTime},
		{AlertID: "al-1", EventType: "acknowledged", OldState: types.AlertFiring, NewState: types.AlertAcknowledged, CreatedAt: baseTime.Add(time.Minute)},
	}
	for i := range before {
		if err := b.AppendAlertEvent(ctx, &before[i]); err != nil {
			t.Fatalf("AppendAlertEvent() error: %v", err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	b, err = NewBadger(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("reopening badger: %v", err)
	}
	defer b.Close()

	resolved := types.AlertEvent{AlertID: "al-1", EventType: "resolved", OldState: types.AlertAcknowledged, NewState: types.AlertResolved, CreatedAt: baseTime.Add(2 * time.Minute)}
	if err := b.AppendAlertEvent(ctx, &resolved); err != nil {
		t.Fatalf("AppendAlertEvent() error: %v", err)
	}

	got, err := b.ListAlertEvents(ctx, "al-1")
	if err != nil {
		t.Fatalf("ListAlertEvents() error: %v", err)
	}
	wantOrder := []string{"created", "acknowledged", "resolved"}
	if len(got) != len(wantOrder) {
		t.Fatalf("expected %d events after reopen, got %d", len(wantOrder), len(got))
	}
	for i, e := range got {
		if e.EventType != wantOrder[i] {
			t.Errorf("event %d: expected %q, got %q", i, wantOrder[i], e.EventType)
		}
	}
}
