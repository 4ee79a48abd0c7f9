package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// Key layout:
//
//	s/<device>\x00<metric>\x00<ts:8 BE><seq:4 BE>  -> zstd(json(MetricSample))
//	a/<alert-id>                                   -> json(Alert)
//	e/<alert-id>\x00<seq:8 BE>                     -> json(AlertEvent)
//
// Big-endian timestamps make prefix scans time-ordered, and the fixed-width
// suffix lets retention parse the timestamp out of any sample key.
const (
	samplePrefix = "s/"
	alertPrefix  = "a/"
	eventPrefix  = "e/"
)

// BadgerConfig holds the embedded backend configuration.
type BadgerConfig struct {
	Path      string
	Retention time.Duration

	// SyncWrites forces fsync per commit. Badger's value log already
	// recovers committed writes after a crash; enable this only when the
	// in-flight write itself must survive power loss.
	SyncWrites bool
}

// DefaultBadgerConfig returns sensible defaults.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		Path:      "./data",
		Retention: 7 * 24 * time.Hour,
	}
}

// Badger is the embedded durable store.
type Badger struct {
	cfg BadgerConfig
	db  *badger.DB

	enc *zstd.Encoder
	dec *zstd.Decoder

	seq      atomic.Uint32 // disambiguates equal timestamps within a batch
	eventSeq atomic.Uint64

	now func() time.Time
}

// NewBadger opens (or creates) the embedded store at cfg.Path.
func NewBadger(cfg BadgerConfig) (*Badger, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultBadgerConfig().Path
	}
	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", cfg.Path, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	b := &Badger{
		cfg: cfg,
		db:  db,
		enc: enc,
		dec: dec,
		now: time.Now,
	}
	if err := b.seedEventSeq(); err != nil {
		b.Close()
		return nil, fmt.Errorf("seeding event sequence: %w", err)
	}
	return b, nil
}

// seedEventSeq resumes the event counter from the highest sequence already on
// disk. Starting over from zero would make new events sort before old ones in
// ListAlertEvents.
func (b *Badger) seedEventSeq() error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(eventPrefix)})
		defer it.Close()
		var max uint64
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) < 8 {
				continue
			}
			if seq := binary.BigEndian.Uint64(key[len(key)-8:]); seq > max {
				max = seq
			}
		}
		b.eventSeq.Store(max)
		return nil
	})
}

// Store implements MetricStore. The whole batch commits in one transaction.
func (b *Badger) Store(ctx context.Context, samples []types.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for i := range samples {
			data, err := json.Marshal(&samples[i])
			if err != nil {
				return fmt.Errorf("marshaling sample: %w", err)
			}
			key := b.sampleKey(&samples[i])
			if err := txn.Set(key, b.enc.EncodeAll(data, nil)); err != nil {
				return fmt.Errorf("writing sample: %w", err)
			}
		}
		return nil
	})
}

func (b *Badger) sampleKey(s *types.MetricSample) []byte {
	var buf bytes.Buffer
	buf.WriteString(samplePrefix)
	buf.WriteString(s.DeviceID)
	buf.WriteByte(0)
	buf.WriteString(s.Metric)
	buf.WriteByte(0)
	binary.Write(&buf, binary.BigEndian, uint64(s.Timestamp.UnixNano()))
	binary.Write(&buf, binary.BigEndian, b.seq.Add(1))
	return buf.Bytes()
}

// sampleKeyTime parses the timestamp out of a sample key.
func sampleKeyTime(key []byte) (time.Time, bool) {
	// ...<ts:8><seq:4>
	if len(key) < 12 {
		return time.Time{}, false
	}
	ns := binary.BigEndian.Uint64(key[len(key)-12 : len(key)-4])
	return time.Unix(0, int64(ns)), true
}

// Query implements MetricStore.
func (b *Badger) Query(ctx context.Context, filter types.SampleFilter) ([]types.MetricSample, error) {
	var out []types.MetricSample

	err := b.db.View(func(txn *badger.Txn) error {
		for _, prefix := range b.scanPrefixes(filter) {
			it := txn.NewIterator(badger.IteratorOptions{
				PrefetchValues: true,
				PrefetchSize:   128,
				Prefix:         prefix,
			})
			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					it.Close()
					return err
				}
				item := it.Item()
				if ts, ok := sampleKeyTime(item.Key()); ok {
					// Cheap pre-filter before decompressing the value.
					if !filter.Start.IsZero() && ts.Before(filter.Start) {
						continue
					}
					if !filter.End.IsZero() && !ts.Before(filter.End) {
						continue
					}
				}
				var sample types.MetricSample
				err := item.Value(func(val []byte) error {
					data, err := b.dec.DecodeAll(val, nil)
					if err != nil {
						return fmt.Errorf("decompressing sample: %w", err)
					}
					return json.Unmarshal(data, &sample)
				})
				if err != nil {
					it.Close()
					return err
				}
				if filter.Matches(&sample) {
					out = append(out, sample)
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortSamples(out, filter.Order)
	return paginate(out, filter.Limit, filter.Offset), nil
}

// scanPrefixes narrows iteration to (device, metric) prefixes when the filter
// pins them; otherwise it falls back to the full sample keyspace.
func (b *Badger) scanPrefixes(filter types.SampleFilter) [][]byte {
	if len(filter.DeviceIDs) == 0 {
		return [][]byte{[]byte(samplePrefix)}
	}
	var prefixes [][]byte
	for _, dev := range filter.DeviceIDs {
		if len(filter.Metrics) == 0 {
			prefixes = append(prefixes, []byte(samplePrefix+dev+"\x00"))
			continue
		}
		for _, metric := range filter.Metrics {
			prefixes = append(prefixes, []byte(samplePrefix+dev+"\x00"+metric+"\x00"))
		}
	}
	return prefixes
}

// Latest implements MetricStore.
func (b *Badger) Latest(ctx context.Context, deviceID string, metrics ...string) ([]types.MetricSample, error) {
	samples, err := b.Query(ctx, types.SampleFilter{
		DeviceIDs: []string{deviceID},
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}
	return latestPerMetric(samples), nil
}

// Aggregate implements MetricStore.
func (b *Badger) Aggregate(ctx context.Context, filter types.SampleFilter, fn types.AggregateFunc) (float64, error) {
	filter.Limit = 0
	filter.Offset = 0
	samples, err := b.Query(ctx, filter)
	if err != nil {
		return 0, err
	}
	return aggregateSamples(samples, fn)
}

// ApplyRetention implements MetricStore. Expired keys are deleted in chunked
// transactions; each chunk commits atomically so readers see either all or
// none of it.
func (b *Badger) ApplyRetention(ctx context.Context) (int, error) {
	if b.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := b.now().Add(-b.cfg.Retention)

	var expired [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(samplePrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)
			if ts, ok := sampleKeyTime(key); ok && ts.Before(cutoff) {
				expired = append(expired, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	const chunk = 10000
	for i := 0; i < len(expired); i += chunk {
		end := i + chunk
		if end > len(expired) {
			end = len(expired)
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			for _, key := range expired[i:end] {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return i, fmt.Errorf("deleting expired samples: %w", err)
		}
	}
	return len(expired), nil
}

// Stats implements MetricStore.
func (b *Badger) Stats(ctx context.Context) (types.StorageStats, error) {
	stats := types.StorageStats{
		ByDevice: make(map[string]int64),
		ByMetric: make(map[string]int64),
	}

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(samplePrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			device, metric, ok := splitSampleKey(key)
			if !ok {
				continue
			}
			stats.TotalSamples++
			stats.ByDevice[device]++
			stats.ByMetric[metric]++
			if ts, ok := sampleKeyTime(key); ok {
				if stats.OldestSample.IsZero() || ts.Before(stats.OldestSample) {
					stats.OldestSample = ts
				}
				if ts.After(stats.NewestSample) {
					stats.NewestSample = ts
				}
			}
		}
		return nil
	})
	if err != nil {
		return types.StorageStats{}, err
	}

	lsm, vlog := b.db.Size()
	stats.SizeBytes = lsm + vlog
	return stats, nil
}

func splitSampleKey(key []byte) (device, metric string, ok bool) {
	body := key[len(samplePrefix):]
	if len(body) < 12 {
		return "", "", false
	}
	body = body[:len(body)-12] // strip <ts><seq>
	i := bytes.IndexByte(body, 0)
	if i < 0 {
		return "", "", false
	}
	rest := body[i+1:]
	j := bytes.IndexByte(rest, 0)
	if j < 0 {
		return "", "", false
	}
	return string(body[:i]), string(rest[:j]), true
}

// Close implements MetricStore.
func (b *Badger) Close() error {
	b.enc.Close()
	b.dec.Close()
	return b.db.Close()
}

// =============================================================================
// ALERTS
// =============================================================================

// CreateAlert implements AlertStore.
func (b *Badger) CreateAlert(ctx context.Context, alert *types.Alert) error {
	return b.putAlert(alert)
}

// UpdateAlert implements AlertStore.
func (b *Badger) UpdateAlert(ctx context.Context, alert *types.Alert) error {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(alertPrefix + alert.ID))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return b.putAlert(alert)
}

func (b *Badger) putAlert(alert *types.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(alertPrefix+alert.ID), data)
	})
}

// GetAlert implements AlertStore.
func (b *Badger) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	var alert types.Alert
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(alertPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &alert)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// ListAlerts implements AlertStore.
func (b *Badger) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	var out []types.Alert
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			Prefix:         []byte(alertPrefix),
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var alert types.Alert
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &alert)
			})
			if err != nil {
				return err
			}
			if filter.Matches(&alert) {
				out = append(out, alert)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortAlerts(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AppendAlertEvent implements AlertStore.
func (b *Badger) AppendAlertEvent(ctx context.Context, event *types.AlertEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling alert event: %w", err)
	}
	var key bytes.Buffer
	key.WriteString(eventPrefix)
	key.WriteString(event.AlertID)
	key.WriteByte(0)
	binary.Write(&key, binary.BigEndian, b.eventSeq.Add(1))

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.Bytes(), data)
	})
}

// ListAlertEvents implements AlertStore.
func (b *Badger) ListAlertEvents(ctx context.Context, alertID string) ([]types.AlertEvent, error) {
	var out []types.AlertEvent
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			Prefix:         []byte(eventPrefix + alertID + "\x00"),
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var event types.AlertEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return err
			}
			out = append(out, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AlertStats implements AlertStore.
func (b *Badger) AlertStats(ctx context.Context) (types.AlertStats, error) {
	alerts, err := b.ListAlerts(ctx, types.AlertFilter{})
	if err != nil {
		return types.AlertStats{}, err
	}
	return summarizeAlerts(alerts), nil
}
