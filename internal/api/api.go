// Package api provides the daemon's HTTP surface.
//
// # Endpoints
//
// Metrics:
//   - GET /api/v1/metrics - Query stored samples
//   - GET /api/v1/metrics/latest - Latest sample per metric for a device
//   - GET /api/v1/metrics/aggregate - Aggregate numeric samples
//   - GET /api/v1/metrics/stats - Storage statistics
//
// Devices:
//   - GET  /api/v1/devices - List devices with runtime state
//   - POST /api/v1/devices/{id}/pause - Pause polling
//   - POST /api/v1/devices/{id}/resume - Resume polling
//   - POST /api/v1/devices/{id}/collect - Run one pass immediately
//
// Alerts:
//   - GET  /api/v1/alerts - Alert history
//   - GET  /api/v1/alerts/active - Firing and acknowledged alerts
//   - GET  /api/v1/alerts/stats - Alert statistics
//   - GET  /api/v1/alerts/correlations - Active alerts grouped by correlation key
//   - GET  /api/v1/alerts/{id} - Alert with its event history
//   - GET  /api/v1/alerts/{id}/events - Alert event history
//   - POST /api/v1/alerts/{id}/acknowledge - Acknowledge a firing alert
//   - POST /api/v1/alerts/{id}/resolve - Resolve an alert manually
//   - GET  /api/v1/rules - List alert rules
//
// Analysis:
//   - GET /api/v1/analysis/statistics - Summary statistics for a device metric
//   - GET /api/v1/analysis/anomalies - Rolling-baseline anomaly detection
//   - GET /api/v1/analysis/baseline - Behavioral baseline
//   - GET /api/v1/analysis/forecast - Linear trend projection
//
// Health:
//   - GET /api/v1/health - Process health and degradation state
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetmon/fleetmon/internal/manager"
	"github.com/fleetmon/fleetmon/pkg/types"
)

// Server is the HTTP API server.
type Server struct {
	mgr    *manager.Manager
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates the API server around a running manager.
func NewServer(mgr *manager.Manager, logger *slog.Logger) *Server {
	s := &Server{
		mgr:    mgr,
		logger: logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Metrics
	s.mux.HandleFunc("GET /api/v1/metrics", s.handleQueryMetrics)
	s.mux.HandleFunc("GET /api/v1/metrics/latest", s.handleLatestMetrics)
	s.mux.HandleFunc("GET /api/v1/metrics/aggregate", s.handleAggregateMetrics)
	s.mux.HandleFunc("GET /api/v1/metrics/stats", s.handleStorageStats)

	// Devices
	s.mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/pause", s.handlePauseDevice)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/resume", s.handleResumeDevice)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/collect", s.handleCollectDevice)

	// Alerts - static routes must come before wildcard {id} routes
	s.mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
	s.mux.HandleFunc("GET /api/v1/alerts/active", s.handleActiveAlerts)
	s.mux.HandleFunc("GET /api/v1/alerts/stats", s.handleAlertStats)
	s.mux.HandleFunc("GET /api/v1/alerts/correlations", s.handleAlertCorrelations)
	s.mux.HandleFunc("GET /api/v1/alerts/{id}", s.handleGetAlert)
	s.mux.HandleFunc("GET /api/v1/alerts/{id}/events", s.handleAlertEvents)
	s.mux.HandleFunc("POST /api/v1/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
	s.mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.handleResolveAlert)
	s.mux.HandleFunc("GET /api/v1/rules", s.handleListRules)

	// Analysis
	s.mux.HandleFunc("GET /api/v1/analysis/statistics", s.handleStatistics)
	s.mux.HandleFunc("GET /api/v1/analysis/anomalies", s.handleAnomalies)
	s.mux.HandleFunc("GET /api/v1/analysis/baseline", s.handleBaseline)
	s.mux.HandleFunc("GET /api/v1/analysis/forecast", s.handleForecast)
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.mgr.Health().Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"process":  snapshot,
		"degraded": s.mgr.Collector().Degraded(),
	})
}

// =============================================================================
// METRICS
// =============================================================================

func (s *Server) handleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSampleFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	samples, err := s.mgr.Store().Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("metric query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query metrics")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"samples": samples,
		"count":   len(samples),
	})
}

func (s *Server) handleLatestMetrics(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		s.writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	metrics := r.URL.Query()["metric"]

	samples, err := s.mgr.Store().Latest(r.Context(), deviceID, metrics...)
	if err != nil {
		s.logger.Error("latest lookup failed", "device_id", deviceID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch latest samples")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"samples": samples,
		"count":   len(samples),
	})
}

func (s *Server) handleAggregateMetrics(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSampleFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fn := types.AggregateFunc(r.URL.Query().Get("fn"))
	switch fn {
	case types.AggMin, types.AggMax, types.AggAvg, types.AggSum, types.AggCount,
		types.AggP50, types.AggP90, types.AggP95, types.AggP99:
	default:
		s.writeError(w, http.StatusBadRequest, "fn must be one of min, max, avg, sum, count, p50, p90, p95, p99")
		return
	}

	value, err := s.mgr.Store().Aggregate(r.Context(), filter, fn)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"fn":    fn,
		"value": value,
	})
}

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.Store().Stats(r.Context())
	if err != nil {
		s.logger.Error("storage stats failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch storage stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// DEVICES
// =============================================================================

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	status := s.mgr.Collector().Status()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices": status,
		"count":   len(status),
	})
}

func (s *Server) handlePauseDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.Collector().Pause(id); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "device_id": id})
}

func (s *Server) handleResumeDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.Collector().Resume(id); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "device_id": id})
}

func (s *Server) handleCollectDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	samples, err := s.mgr.Collector().CollectNow(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"samples": samples,
		"count":   len(samples),
	})
}

// =============================================================================
// ALERTS
// =============================================================================

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlertFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alerts, err := s.mgr.Engine().History(r.Context(), filter)
	if err != nil {
		s.logger.Error("list alerts failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlertFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alerts, err := s.mgr.Engine().ActiveAlerts(r.Context(), filter)
	if err != nil {
		s.logger.Error("active alerts failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list active alerts")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.Engine().Stats(r.Context())
	if err != nil {
		s.logger.Error("alert stats failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch alert stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAlertCorrelations(w http.ResponseWriter, r *http.Request) {
	groups, err := s.mgr.Engine().Correlated(r.Context())
	if err != nil {
		s.logger.Error("alert correlations failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch correlations")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	alert, err := s.mgr.Store().GetAlert(r.Context(), id)
	if err != nil {
		s.logger.Error("get alert failed", "alert_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get alert")
		return
	}
	if alert == nil {
		s.writeError(w, http.StatusNotFound, "alert not found")
		return
	}

	events, err := s.mgr.Engine().Events(r.Context(), id)
	if err != nil {
		s.logger.Error("get alert events failed", "alert_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get alert events")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"alert":  alert,
		"events": events,
	})
}

func (s *Server) handleAlertEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.mgr.Engine().Events(r.Context(), id)
	if err != nil {
		s.logger.Error("alert events failed", "alert_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get alert events")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

type acknowledgeRequest struct {
	By string `json:"by"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req acknowledgeRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.By == "" {
		s.writeError(w, http.StatusBadRequest, "by is required")
		return
	}

	alert, err := s.mgr.Engine().Acknowledge(r.Context(), id, req.By)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req resolveRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	alert, err := s.mgr.Engine().Resolve(r.Context(), id, req.Notes)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.mgr.Engine().Rules()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// =============================================================================
// ANALYSIS
// =============================================================================

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	deviceID, metric, ok := s.requireDeviceMetric(w, r)
	if !ok {
		return
	}
	start, end, err := parseTimeRange(r, 24*time.Hour)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.mgr.Statistics(r.Context(), deviceID, metric, start, end)
	if err != nil {
		s.logger.Error("statistics failed", "device_id", deviceID, "metric", metric, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	deviceID, metric, ok := s.requireDeviceMetric(w, r)
	if !ok {
		return
	}
	start, end, err := parseTimeRange(r, 24*time.Hour)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sensitivity := 0.0
	if raw := r.URL.Query().Get("sensitivity"); raw != "" {
		sensitivity, err = strconv.ParseFloat(raw, 64)
		if err != nil || sensitivity <= 0 {
			s.writeError(w, http.StatusBadRequest, "sensitivity must be a positive number")
			return
		}
	}

	anomalies, err := s.mgr.Anomalies(r.Context(), deviceID, metric, start, end, sensitivity)
	if err != nil {
		s.logger.Error("anomaly detection failed", "device_id", deviceID, "metric", metric, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to detect anomalies")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	deviceID, metric, ok := s.requireDeviceMetric(w, r)
	if !ok {
		return
	}

	baseline, err := s.mgr.Baseline(r.Context(), deviceID, metric)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, baseline)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	deviceID, metric, ok := s.requireDeviceMetric(w, r)
	if !ok {
		return
	}

	horizon := time.Hour
	if raw := r.URL.Query().Get("horizon"); raw != "" {
		var err error
		horizon, err = time.ParseDuration(raw)
		if err != nil || horizon <= 0 {
			s.writeError(w, http.StatusBadRequest, "horizon must be a positive duration like 1h")
			return
		}
	}

	points, err := s.mgr.Forecast(r.Context(), deviceID, metric, horizon)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"points": points,
		"count":  len(points),
	})
}

func (s *Server) requireDeviceMetric(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	deviceID := r.URL.Query().Get("device_id")
	metric := r.URL.Query().Get("metric")
	if deviceID == "" || metric == "" {
		s.writeError(w, http.StatusBadRequest, "device_id and metric are required")
		return "", "", false
	}
	return deviceID, metric, true
}

// =============================================================================
// HELPERS
// =============================================================================

func parseSampleFilter(r *http.Request) (types.SampleFilter, error) {
	q := r.URL.Query()
	filter := types.SampleFilter{
		DeviceIDs: q["device_id"],
		Metrics:   q["metric"],
	}

	var err error
	if raw := q.Get("start"); raw != "" {
		filter.Start, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("start must be RFC3339: %w", err)
		}
	}
	if raw := q.Get("end"); raw != "" {
		filter.End, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("end must be RFC3339: %w", err)
		}
	}
	if q.Get("success_only") == "true" {
		filter.SuccessOnly = true
	}
	if order := q.Get("order"); order != "" {
		switch order {
		case "asc":
			filter.Order = types.SortAsc
		case "desc":
			filter.Order = types.SortDesc
		default:
			return filter, fmt.Errorf("order must be asc or desc")
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			filter.Limit = l
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			filter.Offset = o
		}
	}

	// Tags arrive as repeated tag=key:value parameters.
	for _, raw := range q["tag"] {
		k, v, found := strings.Cut(raw, ":")
		if !found {
			return filter, fmt.Errorf("tag must be key:value, got %q", raw)
		}
		if filter.Tags == nil {
			filter.Tags = make(map[string]string)
		}
		filter.Tags[k] = v
	}

	return filter, nil
}

func parseAlertFilter(r *http.Request) (types.AlertFilter, error) {
	q := r.URL.Query()
	filter := types.AlertFilter{
		RuleID:         q.Get("rule_id"),
		DeviceID:       q.Get("device_id"),
		CorrelationKey: q.Get("correlation_key"),
	}

	if state := q.Get("state"); state != "" {
		st := types.AlertState(state)
		filter.State = &st
	}
	if severity := q.Get("severity"); severity != "" {
		sev := types.Severity(severity)
		filter.Severity = &sev
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("since must be RFC3339: %w", err)
		}
		filter.Since = &since
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			filter.Limit = l
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			filter.Offset = o
		}
	}

	return filter, nil
}

// parseTimeRange returns [start, end) from query parameters, defaulting to
// the trailing window ending now.
func parseTimeRange(r *http.Request, window time.Duration) (time.Time, time.Time, error) {
	now := time.Now()
	start := now.Add(-window)
	end := now

	var err error
	if raw := r.URL.Query().Get("start"); raw != "" {
		start, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, fmt.Errorf("start must be RFC3339: %w", err)
		}
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, fmt.Errorf("end must be RFC3339: %w", err)
		}
	}
	return start, end, nil
}

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
