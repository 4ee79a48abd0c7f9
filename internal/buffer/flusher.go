package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetmon/fleetmon/internal/store"
)

// Flusher drains the spill buffer back into the metric store.
type Flusher struct {
	buffer   Buffer
	sink     store.MetricStore
	logger   *slog.Logger
	interval time.Duration
	batch    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFlusher creates a flusher replaying buffered samples into sink.
func NewFlusher(buffer Buffer, sink store.MetricStore, logger *slog.Logger) *Flusher {
	return &Flusher{
		buffer:   buffer,
		sink:     sink,
		logger:   logger.With("component", "buffer_flusher"),
		interval: DefaultFlushInterval,
		batch:    DefaultBatchSize,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background flushing loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info("buffer flusher started", "interval", f.interval, "batch_size", f.batch)
}

// Stop stops the flusher and waits for a final flush.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	f.logger.Info("buffer flusher stopped")
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			// Final flush before stopping
			f.Flush(context.Background())
			return
		case <-ticker.C:
			f.Flush(context.Background())
		}
	}
}

// Flush drains one batch. On a store failure the samples go back into the
// buffer so nothing is lost; they will be retried next tick.
func (f *Flusher) Flush(ctx context.Context) {
	size, err := f.buffer.Len(ctx)
	if err != nil {
		f.logger.Error("failed to get buffer size", "error", err)
		return
	}
	if size == 0 {
		return
	}

	samples, err := f.buffer.Pop(ctx, f.batch)
	if err != nil {
		f.logger.Error("failed to pop from buffer", "error", err)
		return
	}
	if len(samples) == 0 {
		return
	}

	start := time.Now()
	if err := f.sink.Store(ctx, samples); err != nil {
		f.logger.Error("failed to replay samples into store",
			"error", err,
			"count", len(samples),
		)
		if pushErr := f.buffer.Push(ctx, samples); pushErr != nil {
			f.logger.Error("failed to requeue samples, data lost",
				"error", pushErr,
				"count", len(samples),
			)
		}
		return
	}

	f.logger.Info("replayed buffered samples",
		"count", len(samples),
		"remaining", size-int64(len(samples)),
		"duration", time.Since(start),
	)
}
