// Package types - Alert rules and alert lifecycle
//
// # Alerting Model
//
// An AlertRule binds one or more conditions (metric + comparison + threshold,
// optionally scoped to specific devices) with AND/OR, a severity, a cooldown,
// and the notification channels to dispatch to. Rules are immutable after
// registration except for enable/disable.
//
// An Alert is the mutable lifecycle entity produced when a rule fires:
//
//	Firing -> Acknowledged -> Resolved
//	Firing -> Resolved
//
// At most one active (Firing or Acknowledged) alert exists per
// (rule, device, correlation key); a re-trigger while one is active refreshes
// its snapshot instead of duplicating it. Resolved alerts stay in history.
package types

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// SEVERITY
// =============================================================================

// Severity indicates urgency level.
type Severity string

const (
	SeverityCritical Severity = "critical" // Immediate action required
	SeverityWarning  Severity = "warning"  // Attention needed
	SeverityInfo     Severity = "info"     // Informational
)

// Level returns a numeric level for comparison (higher = more severe).
func (s Severity) Level() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// =============================================================================
// CONDITIONS
// =============================================================================

// ConditionOp is a comparison operator in an alert condition.
type ConditionOp string

const (
	OpGreaterThan  ConditionOp = "gt"
	OpGreaterEqual ConditionOp = "gte"
	OpLessThan     ConditionOp = "lt"
	OpLessEqual    ConditionOp = "lte"
	OpEqual        ConditionOp = "eq"
	OpNotEqual     ConditionOp = "neq"
	OpContains     ConditionOp = "contains" // substring on the string form
	OpMatches      ConditionOp = "matches"  // regexp on the string form
)

// Condition compares one metric's value against a threshold.
type Condition struct {
	Metric    string      `json:"metric"`
	Op        ConditionOp `json:"op"`
	Threshold Value       `json:"threshold"`

	// DeviceIDs optionally restricts the condition to specific devices.
	// Empty means any device.
	DeviceIDs []string `json:"device_ids,omitempty"`
}

// AppliesTo reports whether the condition is in scope for a device.
func (c *Condition) AppliesTo(deviceID string) bool {
	if len(c.DeviceIDs) == 0 {
		return true
	}
	for _, id := range c.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

// Eval compares a value against the condition's threshold.
// Numeric operators require both sides numeric; eq/neq fall back to string
// comparison for string values.
func (c *Condition) Eval(v Value) (bool, error) {
	switch c.Op {
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		lhs, ok1 := v.Float()
		rhs, ok2 := c.Threshold.Float()
		if !ok1 || !ok2 {
			return false, fmt.Errorf("condition %s %s: non-numeric operand", c.Metric, c.Op)
		}
		switch c.Op {
		case OpGreaterThan:
			return lhs > rhs, nil
		case OpGreaterEqual:
			return lhs >= rhs, nil
		case OpLessThan:
			return lhs < rhs, nil
		default:
			return lhs <= rhs, nil
		}
	case OpEqual:
		if lhs, ok := v.Float(); ok {
			if rhs, ok := c.Threshold.Float(); ok {
				return lhs == rhs, nil
			}
		}
		return v.String() == c.Threshold.String(), nil
	case OpNotEqual:
		eq, err := (&Condition{Op: OpEqual, Threshold: c.Threshold}).Eval(v)
		return !eq, err
	case OpContains:
		return strings.Contains(v.String(), c.Threshold.String()), nil
	case OpMatches:
		re, err := regexp.Compile(c.Threshold.String())
		if err != nil {
			return false, fmt.Errorf("condition %s: invalid pattern: %w", c.Metric, err)
		}
		return re.MatchString(v.String()), nil
	default:
		return false, fmt.Errorf("unknown condition operator: %s", c.Op)
	}
}

// =============================================================================
// ALERT RULES
// =============================================================================

// BoolOp joins a rule's conditions.
type BoolOp string

const (
	BoolAnd BoolOp = "and"
	BoolOr  BoolOp = "or"
)

// AlertRule defines when an alert fires and where it is routed.
// Immutable after registration except for the Enabled flag.
type AlertRule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Conditions []Condition `json:"conditions"`
	Operator   BoolOp      `json:"operator"` // default "and"
	Severity   Severity    `json:"severity"`

	// Cooldown is the minimum time between successive notifications for the
	// same firing condition.
	Cooldown time.Duration `json:"cooldown"`

	// Channels are notification channel names this rule dispatches to.
	Channels []string `json:"channels,omitempty"`

	// GroupBy lists tag keys used to build the correlation key, in addition
	// to the device. Empty means device-only correlation. Topology-aware
	// grouping is a possible extension behind this same key.
	GroupBy []string `json:"group_by,omitempty"`

	Enabled bool `json:"enabled"`
}

// Validate checks rule invariants before registration.
func (r *AlertRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s: at least one condition is required", r.ID)
	}
	if r.Operator != "" && r.Operator != BoolAnd && r.Operator != BoolOr {
		return fmt.Errorf("rule %s: invalid operator %q", r.ID, r.Operator)
	}
	for i, c := range r.Conditions {
		if c.Metric == "" {
			return fmt.Errorf("rule %s: condition %d: metric is required", r.ID, i)
		}
		if c.Op == OpMatches {
			if _, err := regexp.Compile(c.Threshold.String()); err != nil {
				return fmt.Errorf("rule %s: condition %d: %w", r.ID, i, err)
			}
		}
	}
	return nil
}

// Metrics returns the distinct metric names the rule references.
func (r *AlertRule) Metrics() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range r.Conditions {
		if !seen[c.Metric] {
			seen[c.Metric] = true
			out = append(out, c.Metric)
		}
	}
	return out
}

// CorrelationKey builds the grouping key for a device and its tags.
// Format: "device:<id>" plus "|<tagkey>=<value>" for each GroupBy tag, with
// tag keys in sorted order so the key is stable.
func (r *AlertRule) CorrelationKey(deviceID string, tags map[string]string) string {
	key := "device:" + deviceID
	if len(r.GroupBy) == 0 {
		return key
	}
	keys := append([]string(nil), r.GroupBy...)
	sort.Strings(keys)
	for _, k := range keys {
		key += "|" + k + "=" + tags[k]
	}
	return key
}

// =============================================================================
// ALERTS
// =============================================================================

// AlertState tracks the alert lifecycle.
type AlertState string

const (
	AlertFiring       AlertState = "firing"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// Active reports whether the state counts against the one-active-alert
// invariant.
func (s AlertState) Active() bool {
	return s == AlertFiring || s == AlertAcknowledged
}

// Alert is a mutable lifecycle entity created when a rule fires.
type Alert struct {
	ID       string     `json:"id"`
	RuleID   string     `json:"rule_id"`
	RuleName string     `json:"rule_name,omitempty"`
	DeviceID string     `json:"device_id"`
	State    AlertState `json:"state"`
	Severity Severity   `json:"severity"`

	// Snapshot holds the metric values that triggered (or last refreshed)
	// the alert, keyed by metric name.
	Snapshot map[string]Value `json:"snapshot,omitempty"`

	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`

	// CorrelationKey groups related alerts for presentation.
	CorrelationKey string `json:"correlation_key,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	LastRefreshed  time.Time  `json:"last_refreshed,omitempty"`
	LastNotifiedAt time.Time  `json:"last_notified_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// AlertEvent records one change in an alert's history. Append-only.
type AlertEvent struct {
	AlertID   string     `json:"alert_id"`
	EventType string     `json:"event_type"` // "created", "refreshed", "escalated", "acknowledged", "resolved"
	OldState  AlertState `json:"old_state,omitempty"`
	NewState  AlertState `json:"new_state,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// AlertFilter selects alerts for listing.
type AlertFilter struct {
	RuleID         string      `json:"rule_id,omitempty"`
	DeviceID       string      `json:"device_id,omitempty"`
	State          *AlertState `json:"state,omitempty"`
	Severity       *Severity   `json:"severity,omitempty"`
	CorrelationKey string      `json:"correlation_key,omitempty"`
	Since          *time.Time  `json:"since,omitempty"`
	Limit          int         `json:"limit,omitempty"`
	Offset         int         `json:"offset,omitempty"`
}

// Matches reports whether an alert passes the filter (ignoring pagination).
func (f *AlertFilter) Matches(a *Alert) bool {
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	if f.DeviceID != "" && a.DeviceID != f.DeviceID {
		return false
	}
	if f.State != nil && a.State != *f.State {
		return false
	}
	if f.Severity != nil && a.Severity != *f.Severity {
		return false
	}
	if f.CorrelationKey != "" && a.CorrelationKey != f.CorrelationKey {
		return false
	}
	if f.Since != nil && a.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// CorrelatedAlert groups active alerts sharing a correlation key for
// presentation.
type CorrelatedAlert struct {
	CorrelationKey string    `json:"correlation_key"`
	AlertIDs       []string  `json:"alert_ids"`
	DeviceIDs      []string  `json:"device_ids"`
	MaxSeverity    Severity  `json:"max_severity"`
	FirstCreatedAt time.Time `json:"first_created_at"`
	LastRefreshed  time.Time `json:"last_refreshed"`
}

// AlertStats provides aggregate statistics about alerts.
type AlertStats struct {
	ActiveCount          int      `json:"active_count"`
	CriticalCount        int      `json:"critical_count"`
	WarningCount         int      `json:"warning_count"`
	AcknowledgedCount    int      `json:"acknowledged_count"`
	ResolvedCount        int      `json:"resolved_count"`
	AvgResolutionMinutes *float64 `json:"avg_resolution_minutes,omitempty"`
}

// =============================================================================
// ANALYSIS OUTPUTS
// =============================================================================

// Anomaly flags one sample deviating from its rolling baseline.
type Anomaly struct {
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Expected  float64   `json:"expected"` // rolling baseline mean
	Deviation float64   `json:"deviation"` // |value-expected| in stddev units
}

// ForecastPoint is one projected value with a confidence band.
type ForecastPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Lower     float64   `json:"lower"`
	Upper     float64   `json:"upper"`
}
