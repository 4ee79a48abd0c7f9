package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fleetmon/fleetmon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeSamples(n int) []types.MetricSample {
	out := make([]types.MetricSample, n)
	for i := range out {
		out[i] = types.MetricSample{
			DeviceID:  fmt.Sprintf("sw-%02d", i),
			Metric:    "cpu_usage",
			Value:     types.NumberValue(float64(i)),
			Timestamp: time.Date(2025, 6, 1, 12, 0, i, 0, time.UTC),
			Success:   true,
		}
	}
	return out
}

func TestMemoryBuffer_FIFO(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(10, testLogger())

	if err := b.Push(ctx, makeSamples(5)); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	got, err := b.Pop(ctx, 3)
	if err != nil {
		t.Fatalf("Pop() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0].DeviceID != "sw-00" {
		t.Errorf("expected oldest sample first, got %s", got[0].DeviceID)
	}

	n, _ := b.Len(ctx)
	if n != 2 {
		t.Errorf("expected 2 remaining, got %d", n)
	}

	got, _ = b.Pop(ctx, 10)
	if len(got) != 2 {
		t.Errorf("expected remaining 2 samples, got %d", len(got))
	}
	got, _ = b.Pop(ctx, 10)
	if got != nil {
		t.Errorf("expected nil from empty buffer, got %v", got)
	}
}

func TestMemoryBuffer_DropsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(4, testLogger())

	if err := b.Push(ctx, makeSamples(6)); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	n, _ := b.Len(ctx)
	if n != 4 {
		t.Fatalf("expected capacity-bounded length 4, got %d", n)
	}
	if b.Dropped() != 2 {
		t.Errorf("expected 2 dropped, got %d", b.Dropped())
	}

	got, _ := b.Pop(ctx, 1)
	if got[0].DeviceID != "sw-02" {
		t.Errorf("expected oldest survivors kept, head is %s", got[0].DeviceID)
	}
}

// mockSink records Store calls and can be made to fail.
type mockSink struct {
	stored  [][]types.MetricSample
	failErr error
}

func (m *mockSink) Store(ctx context.Context, samples []types.MetricSample) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.stored = append(m.stored, samples)
	return nil
}

func (m *mockSink) Query(ctx context.Context, f types.SampleFilter) ([]types.MetricSample, error) {
	return nil, nil
}
func (m *mockSink) Latest(ctx context.Context, d string, metrics ...string) ([]types.MetricSample, error) {
	return nil, nil
}
func (m *mockSink) Aggregate(ctx context.Context, f types.SampleFilter, fn types.AggregateFunc) (float64, error) {
	return 0, nil
}
func (m *mockSink) ApplyRetention(ctx context.Context) (int, error) { return 0, nil }
func (m *mockSink) Stats(ctx context.Context) (types.StorageStats, error) {
	return types.StorageStats{}, nil
}
func (m *mockSink) Close() error { return nil }

func TestFlusher_ReplaysIntoStore(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(100, testLogger())
	sink := &mockSink{}
	f := NewFlusher(b, sink, testLogger())

	if err := b.Push(ctx, makeSamples(7)); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	f.Flush(ctx)

	if len(sink.stored) != 1 || len(sink.stored[0]) != 7 {
		t.Fatalf("expected one batch of 7, got %+v", sink.stored)
	}
	n, _ := b.Len(ctx)
	if n != 0 {
		t.Errorf("expected empty buffer after flush, got %d", n)
	}
}

func TestFlusher_RequeuesOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(100, testLogger())
	sink := &mockSink{failErr: errors.New("db down")}
	f := NewFlusher(b, sink, testLogger())

	if err := b.Push(ctx, makeSamples(5)); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	f.Flush(ctx)

	n, _ := b.Len(ctx)
	if n != 5 {
		t.Fatalf("expected 5 samples requeued after failure, got %d", n)
	}

	// Store recovers; next flush drains.
	sink.failErr = nil
	f.Flush(ctx)
	n, _ = b.Len(ctx)
	if n != 0 {
		t.Errorf("expected empty buffer after recovery, got %d", n)
	}
	if len(sink.stored) != 1 || len(sink.stored[0]) != 5 {
		t.Errorf("expected recovered batch of 5, got %+v", sink.stored)
	}
}
