// Package buffer provides a spill buffer between the collector and the
// metric store. When store writes fail or slow down, samples park here and a
// background flusher replays them, so a storage hiccup never stalls
// collection.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetmon/fleetmon/pkg/types"
)

const (
	// Redis key for the spilled sample queue
	keySamples = "fleetmon:samples"

	// DefaultBatchSize bounds one flush; batch store writes handle this
	// size comfortably.
	DefaultBatchSize = 5000

	// DefaultFlushInterval keeps replay latency low without hammering a
	// store that is still recovering.
	DefaultFlushInterval = 2 * time.Second

	// DefaultCapacity bounds the in-memory buffer.
	DefaultCapacity = 100000
)

// Buffer holds samples awaiting replay into the store. FIFO ordering.
type Buffer interface {
	// Push appends samples to the buffer.
	Push(ctx context.Context, samples []types.MetricSample) error

	// Pop removes and returns up to max samples, oldest first.
	Pop(ctx context.Context, max int) ([]types.MetricSample, error)

	// Len returns the number of buffered samples.
	Len(ctx context.Context) (int64, error)

	Close() error
}

// =============================================================================
// IN-MEMORY BUFFER
// =============================================================================

// Memory is a bounded in-process buffer. When full, the oldest samples are
// dropped to make room; losing the oldest spilled data beats blocking the
// collector.
type Memory struct {
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	samples []types.MetricSample
	dropped int64
}

// NewMemory creates a bounded in-memory buffer. capacity<=0 uses the default.
func NewMemory(capacity int, logger *slog.Logger) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		capacity: capacity,
		logger:   logger.With("component", "spill_buffer"),
	}
}

// Push implements Buffer.
func (m *Memory) Push(ctx context.Context, samples []types.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, samples...)
	if over := len(m.samples) - m.capacity; over > 0 {
		m.samples = m.samples[over:]
		m.dropped += int64(over)
		m.logger.Warn("spill buffer full, dropped oldest samples",
			"dropped", over,
			"total_dropped", m.dropped,
		)
	}
	return nil
}

// Pop implements Buffer.
func (m *Memory) Pop(ctx context.Context, max int) ([]types.MetricSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) == 0 || max <= 0 {
		return nil, nil
	}
	n := max
	if n > len(m.samples) {
		n = len(m.samples)
	}
	out := make([]types.MetricSample, n)
	copy(out, m.samples[:n])
	m.samples = m.samples[n:]
	return out, nil
}

// Len implements Buffer.
func (m *Memory) Len(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.samples)), nil
}

// Dropped returns the number of samples discarded due to overflow.
func (m *Memory) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close implements Buffer.
func (m *Memory) Close() error {
	return nil
}

// =============================================================================
// REDIS BUFFER
// =============================================================================

// Redis buffers samples in a Redis list, surviving process restarts and
// shared across collector replicas.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis creates a Redis-backed buffer and verifies connectivity.
func NewRedis(redisURL string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Redis{
		client: client,
		logger: logger.With("component", "spill_buffer"),
	}, nil
}

// Push implements Buffer. Samples are JSON-encoded onto a Redis list.
func (r *Redis) Push(ctx context.Context, samples []types.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	values := make([]interface{}, len(samples))
	for i, s := range samples {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal sample: %w", err)
		}
		values[i] = data
	}

	if err := r.client.LPush(ctx, keySamples, values...).Err(); err != nil {
		return fmt.Errorf("failed to push samples to redis: %w", err)
	}
	return nil
}

// Pop implements Buffer. RPOP yields oldest items first.
func (r *Redis) Pop(ctx context.Context, max int) ([]types.MetricSample, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, max)

	for i := 0; i < max; i++ {
		cmds[i] = pipe.RPop(ctx, keySamples)
	}

	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to pop samples from redis: %w", err)
	}

	samples := make([]types.MetricSample, 0, max)
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue // No more items
		}
		if err != nil {
			continue // Skip errors for individual items
		}

		var s types.MetricSample
		if err := json.Unmarshal(data, &s); err != nil {
			r.logger.Warn("failed to unmarshal buffered sample", "error", err)
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// Len implements Buffer.
func (r *Redis) Len(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, keySamples).Result()
}

// Close implements Buffer.
func (r *Redis) Close() error {
	return r.client.Close()
}
