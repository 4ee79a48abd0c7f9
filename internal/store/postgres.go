package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// Postgres is the relational backend, using raw SQL through pgx.
// Both tables support range scans by timestamp and device for pruning and
// querying; writes ride COPY for throughput and commit per batch.
type Postgres struct {
	pool      *pgxpool.Pool
	retention time.Duration

	now func() time.Time
}

// NewPostgres creates a Postgres-backed store over an existing pool.
func NewPostgres(pool *pgxpool.Pool, retention time.Duration) *Postgres {
	return &Postgres{pool: pool, retention: retention, now: time.Now}
}

// NewPostgresFromURL connects and ensures the schema exists.
func NewPostgresFromURL(ctx context.Context, url string, retention time.Duration) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	p := NewPostgres(pool, retention)
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS samples (
			device_id   TEXT NOT NULL,
			metric      TEXT NOT NULL,
			value_kind  TEXT NOT NULL DEFAULT '',
			num_value   DOUBLE PRECISION,
			str_value   TEXT,
			unit        TEXT NOT NULL DEFAULT '',
			ts          TIMESTAMPTZ NOT NULL,
			tags        JSONB,
			duration_us BIGINT NOT NULL DEFAULT 0,
			success     BOOLEAN NOT NULL,
			error       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_samples_device_metric_ts
			ON samples (device_id, metric, ts);
		CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples (ts);

		CREATE TABLE IF NOT EXISTS alerts (
			id              TEXT PRIMARY KEY,
			rule_id         TEXT NOT NULL,
			rule_name       TEXT NOT NULL DEFAULT '',
			device_id       TEXT NOT NULL,
			state           TEXT NOT NULL,
			severity        TEXT NOT NULL,
			snapshot        JSONB,
			title           TEXT NOT NULL DEFAULT '',
			message         TEXT NOT NULL DEFAULT '',
			correlation_key TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL,
			last_refreshed  TIMESTAMPTZ,
			last_notified_at TIMESTAMPTZ,
			acknowledged_at TIMESTAMPTZ,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			resolved_at     TIMESTAMPTZ,
			notes           TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_device_created
			ON alerts (device_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_alerts_state ON alerts (state);

		CREATE TABLE IF NOT EXISTS alert_events (
			id         BIGSERIAL PRIMARY KEY,
			alert_id   TEXT NOT NULL,
			event_type TEXT NOT NULL,
			old_state  TEXT NOT NULL DEFAULT '',
			new_state  TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alert_events_alert ON alert_events (alert_id, id);
	`)
	if err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// Ping tests database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Store implements MetricStore using COPY inside a transaction.
func (p *Postgres) Store(ctx context.Context, samples []types.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows := make([][]interface{}, len(samples))
	for i, s := range samples {
		var num *float64
		var str *string
		switch s.Value.Kind {
		case types.ValueNumber:
			v := s.Value.Num
			num = &v
		case types.ValueString:
			v := s.Value.Str
			str = &v
		}
		tagsJSON, _ := json.Marshal(s.Tags)
		rows[i] = []interface{}{
			s.DeviceID, s.Metric, string(s.Value.Kind), num, str, s.Unit,
			s.Timestamp, tagsJSON, s.Duration.Microseconds(), s.Success, s.Error,
		}
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"samples"},
		[]string{"device_id", "metric", "value_kind", "num_value", "str_value",
			"unit", "ts", "tags", "duration_us", "success", "error"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copying samples: %w", err)
	}
	return tx.Commit(ctx)
}

// sampleWhere builds the WHERE clause for a SampleFilter.
func sampleWhere(filter types.SampleFilter) (string, []interface{}) {
	where := "1=1"
	args := []interface{}{}
	argNum := 1

	if len(filter.DeviceIDs) > 0 {
		where += fmt.Sprintf(" AND device_id = ANY($%d)", argNum)
		args = append(args, filter.DeviceIDs)
		argNum++
	}
	if len(filter.Metrics) > 0 {
		where += fmt.Sprintf(" AND metric = ANY($%d)", argNum)
		args = append(args, filter.Metrics)
		argNum++
	}
	if !filter.Start.IsZero() {
		where += fmt.Sprintf(" AND ts >= $%d", argNum)
		args = append(args, filter.Start)
		argNum++
	}
	if !filter.End.IsZero() {
		where += fmt.Sprintf(" AND ts < $%d", argNum)
		args = append(args, filter.End)
		argNum++
	}
	if filter.SuccessOnly {
		where += " AND success"
	}
	if len(filter.Tags) > 0 {
		tagsJSON, _ := json.Marshal(filter.Tags)
		where += fmt.Sprintf(" AND tags @> $%d", argNum)
		args = append(args, tagsJSON)
		argNum++
	}
	return where, args
}

// Query implements MetricStore.
func (p *Postgres) Query(ctx context.Context, filter types.SampleFilter) ([]types.MetricSample, error) {
	where, args := sampleWhere(filter)

	order := "ASC"
	if filter.Order == types.SortDesc {
		order = "DESC"
	}
	limitClause := ""
	if filter.Limit > 0 {
		limitClause = fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	offsetClause := ""
	if filter.Offset > 0 {
		offsetClause = fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	query := fmt.Sprintf(`
		SELECT device_id, metric, value_kind, num_value, str_value, unit,
			ts, tags, duration_us, success, error
		FROM samples
		WHERE %s
		ORDER BY ts %s%s%s
	`, where, order, limitClause, offsetClause)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MetricSample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSample(rows pgx.Rows) (types.MetricSample, error) {
	var s types.MetricSample
	var kind string
	var num *float64
	var str *string
	var tagsJSON []byte
	var durationUs int64

	if err := rows.Scan(&s.DeviceID, &s.Metric, &kind, &num, &str, &s.Unit,
		&s.Timestamp, &tagsJSON, &durationUs, &s.Success, &s.Error); err != nil {
		return s, err
	}
	switch types.ValueKind(kind) {
	case types.ValueNumber:
		if num != nil {
			s.Value = types.NumberValue(*num)
		}
	case types.ValueString:
		if str != nil {
			s.Value = types.StringValue(*str)
		}
	}
	if len(tagsJSON) > 0 {
		json.Unmarshal(tagsJSON, &s.Tags)
	}
	s.Duration = time.Duration(durationUs) * time.Microsecond
	return s, nil
}

// Latest implements MetricStore using DISTINCT ON.
func (p *Postgres) Latest(ctx context.Context, deviceID string, metrics ...string) ([]types.MetricSample, error) {
	where := "device_id = $1"
	args := []interface{}{deviceID}
	if len(metrics) > 0 {
		where += " AND metric = ANY($2)"
		args = append(args, metrics)
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT ON (metric)
			device_id, metric, value_kind, num_value, str_value, unit,
			ts, tags, duration_us, success, error
		FROM samples
		WHERE %s
		ORDER BY metric, ts DESC
	`, where)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MetricSample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Aggregate implements MetricStore, computing in SQL.
func (p *Postgres) Aggregate(ctx context.Context, filter types.SampleFilter, fn types.AggregateFunc) (float64, error) {
	where, args := sampleWhere(filter)

	var expr string
	switch fn {
	case types.AggMin:
		expr = "MIN(num_value)"
	case types.AggMax:
		expr = "MAX(num_value)"
	case types.AggAvg:
		expr = "AVG(num_value)"
	case types.AggSum:
		expr = "SUM(num_value)"
	case types.AggCount:
		expr = "COUNT(num_value)"
	default:
		p95, ok := fn.Percentile()
		if !ok {
			return 0, fmt.Errorf("unknown aggregate function: %s", fn)
		}
		expr = fmt.Sprintf("PERCENTILE_CONT(%g) WITHIN GROUP (ORDER BY num_value)", p95/100)
	}

	query := fmt.Sprintf(`SELECT %s FROM samples WHERE %s AND num_value IS NOT NULL`, expr, where)
	var result *float64
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&result); err != nil {
		return 0, err
	}
	if result == nil {
		if fn == types.AggCount {
			return 0, nil
		}
		return 0, fmt.Errorf("aggregate %s: no numeric samples match filter", fn)
	}
	return *result, nil
}

// ApplyRetention implements MetricStore; the DELETE runs in one transaction.
func (p *Postgres) ApplyRetention(ctx context.Context) (int, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	cutoff := p.now().Add(-p.retention)
	tag, err := p.pool.Exec(ctx, `DELETE FROM samples WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning samples: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats implements MetricStore.
func (p *Postgres) Stats(ctx context.Context) (types.StorageStats, error) {
	stats := types.StorageStats{
		ByDevice: make(map[string]int64),
		ByMetric: make(map[string]int64),
	}

	var oldest, newest *time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(ts), MAX(ts) FROM samples`,
	).Scan(&stats.TotalSamples, &oldest, &newest)
	if err != nil {
		return stats, err
	}
	if oldest != nil {
		stats.OldestSample = *oldest
	}
	if newest != nil {
		stats.NewestSample = *newest
	}

	rows, err := p.pool.Query(ctx, `SELECT device_id, COUNT(*) FROM samples GROUP BY device_id`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var dev string
		var n int64
		if err := rows.Scan(&dev, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByDevice[dev] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = p.pool.Query(ctx, `SELECT metric, COUNT(*) FROM samples GROUP BY metric`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var metric string
		var n int64
		if err := rows.Scan(&metric, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByMetric[metric] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	// Table size is advisory; ignore errors on restricted roles.
	var size *int64
	if err := p.pool.QueryRow(ctx,
		`SELECT pg_total_relation_size('samples')`,
	).Scan(&size); err == nil && size != nil {
		stats.SizeBytes = *size
	}
	return stats, nil
}

// Close implements MetricStore.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// =============================================================================
// ALERTS
// =============================================================================

// CreateAlert implements AlertStore.
func (p *Postgres) CreateAlert(ctx context.Context, alert *types.Alert) error {
	snapshotJSON, _ := json.Marshal(alert.Snapshot)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO alerts (id, rule_id, rule_name, device_id, state, severity,
			snapshot, title, message, correlation_key, created_at,
			last_refreshed, last_notified_at, acknowledged_at, acknowledged_by,
			resolved_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		alert.ID, alert.RuleID, alert.RuleName, alert.DeviceID, alert.State,
		alert.Severity, snapshotJSON, alert.Title, alert.Message,
		alert.CorrelationKey, alert.CreatedAt,
		nullableTime(alert.LastRefreshed), nullableTime(alert.LastNotifiedAt),
		alert.AcknowledgedAt, alert.AcknowledgedBy, alert.ResolvedAt, alert.Notes,
	)
	return err
}

// UpdateAlert implements AlertStore.
func (p *Postgres) UpdateAlert(ctx context.Context, alert *types.Alert) error {
	snapshotJSON, _ := json.Marshal(alert.Snapshot)
	tag, err := p.pool.Exec(ctx, `
		UPDATE alerts SET state = $2, severity = $3, snapshot = $4,
			title = $5, message = $6, last_refreshed = $7, last_notified_at = $8,
			acknowledged_at = $9, acknowledged_by = $10, resolved_at = $11, notes = $12
		WHERE id = $1
	`,
		alert.ID, alert.State, alert.Severity, snapshotJSON,
		alert.Title, alert.Message,
		nullableTime(alert.LastRefreshed), nullableTime(alert.LastNotifiedAt),
		alert.AcknowledgedAt, alert.AcknowledgedBy, alert.ResolvedAt, alert.Notes,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert implements AlertStore.
func (p *Postgres) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, rule_id, rule_name, device_id, state, severity, snapshot,
			title, message, correlation_key, created_at, last_refreshed,
			last_notified_at, acknowledged_at, acknowledged_by, resolved_at, notes
		FROM alerts WHERE id = $1
	`, id)

	alert, err := scanAlertRow(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return alert, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlertRow(row rowScanner) (*types.Alert, error) {
	var a types.Alert
	var snapshotJSON []byte
	var lastRefreshed, lastNotified *time.Time

	err := row.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.DeviceID, &a.State,
		&a.Severity, &snapshotJSON, &a.Title, &a.Message, &a.CorrelationKey,
		&a.CreatedAt, &lastRefreshed, &lastNotified,
		&a.AcknowledgedAt, &a.AcknowledgedBy, &a.ResolvedAt, &a.Notes)
	if err != nil {
		return nil, err
	}
	if len(snapshotJSON) > 0 {
		json.Unmarshal(snapshotJSON, &a.Snapshot)
	}
	if lastRefreshed != nil {
		a.LastRefreshed = *lastRefreshed
	}
	if lastNotified != nil {
		a.LastNotifiedAt = *lastNotified
	}
	return &a, nil
}

// ListAlerts implements AlertStore.
func (p *Postgres) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	where := "1=1"
	args := []interface{}{}
	argNum := 1

	if filter.RuleID != "" {
		where += fmt.Sprintf(" AND rule_id = $%d", argNum)
		args = append(args, filter.RuleID)
		argNum++
	}
	if filter.DeviceID != "" {
		where += fmt.Sprintf(" AND device_id = $%d", argNum)
		args = append(args, filter.DeviceID)
		argNum++
	}
	if filter.State != nil {
		where += fmt.Sprintf(" AND state = $%d", argNum)
		args = append(args, *filter.State)
		argNum++
	}
	if filter.Severity != nil {
		where += fmt.Sprintf(" AND severity = $%d", argNum)
		args = append(args, *filter.Severity)
		argNum++
	}
	if filter.CorrelationKey != "" {
		where += fmt.Sprintf(" AND correlation_key = $%d", argNum)
		args = append(args, filter.CorrelationKey)
		argNum++
	}
	if filter.Since != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argNum)
		args = append(args, *filter.Since)
		argNum++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, rule_id, rule_name, device_id, state, severity, snapshot,
			title, message, correlation_key, created_at, last_refreshed,
			last_notified_at, acknowledged_at, acknowledged_by, resolved_at, notes
		FROM alerts
		WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, where, argNum, argNum+1)
	args = append(args, limit, filter.Offset)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Alert
	for rows.Next() {
		alert, err := scanAlertRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *alert)
	}
	return out, rows.Err()
}

// AppendAlertEvent implements AlertStore.
func (p *Postgres) AppendAlertEvent(ctx context.Context, event *types.AlertEvent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO alert_events (alert_id, event_type, old_state, new_state, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.AlertID, event.EventType, event.OldState, event.NewState,
		event.Detail, event.CreatedAt)
	return err
}

// ListAlertEvents implements AlertStore.
func (p *Postgres) ListAlertEvents(ctx context.Context, alertID string) ([]types.AlertEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT alert_id, event_type, old_state, new_state, detail, created_at
		FROM alert_events WHERE alert_id = $1 ORDER BY id
	`, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AlertEvent
	for rows.Next() {
		var e types.AlertEvent
		if err := rows.Scan(&e.AlertID, &e.EventType, &e.OldState, &e.NewState,
			&e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AlertStats implements AlertStore.
func (p *Postgres) AlertStats(ctx context.Context) (types.AlertStats, error) {
	var stats types.AlertStats
	err := p.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state IN ('firing', 'acknowledged')),
			COUNT(*) FILTER (WHERE state IN ('firing', 'acknowledged') AND severity = 'critical'),
			COUNT(*) FILTER (WHERE state IN ('firing', 'acknowledged') AND severity = 'warning'),
			COUNT(*) FILTER (WHERE state = 'acknowledged'),
			COUNT(*) FILTER (WHERE state = 'resolved'),
			AVG(EXTRACT(EPOCH FROM (resolved_at - created_at)) / 60)
				FILTER (WHERE state = 'resolved' AND resolved_at IS NOT NULL)
		FROM alerts
	`).Scan(&stats.ActiveCount, &stats.CriticalCount, &stats.WarningCount,
		&stats.AcknowledgedCount, &stats.ResolvedCount, &stats.AvgResolutionMinutes)
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
