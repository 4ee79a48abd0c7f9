package alert

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// Notifier delivers one alert to a channel.
type Notifier interface {
	// Name is the channel name rules reference.
	Name() string

	// Send delivers the alert. Errors are retried by the engine.
	Send(ctx context.Context, alert *types.Alert) error
}

// NotifierRegistry manages available notification channels.
type NotifierRegistry struct {
	notifiers map[string]Notifier
	mu        sync.RWMutex
}

// NewNotifierRegistry creates an empty registry.
func NewNotifierRegistry() *NotifierRegistry {
	return &NotifierRegistry{notifiers: make(map[string]Notifier)}
}

// Register adds a notifier under its name.
func (r *NotifierRegistry) Register(n Notifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := n.Name()
	if _, exists := r.notifiers[name]; exists {
		return fmt.Errorf("notifier already registered: %s", name)
	}
	r.notifiers[name] = n
	return nil
}

// Get returns a notifier by name.
func (r *NotifierRegistry) Get(name string) (Notifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notifiers[name]
	return n, ok
}

// List returns all registered channel names.
func (r *NotifierRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.notifiers))
	for n := range r.notifiers {
		names = append(names, n)
	}
	return names
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes alerts to the structured log. Always available; useful
// as a default channel and in development.
type LogNotifier struct {
	name   string
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed channel.
func NewLogNotifier(name string, logger *slog.Logger) *LogNotifier {
	return &LogNotifier{name: name, logger: logger.With("component", "log_notifier")}
}

// Name implements Notifier.
func (n *LogNotifier) Name() string { return n.name }

// Send implements Notifier.
func (n *LogNotifier) Send(ctx context.Context, alert *types.Alert) error {
	level := slog.LevelInfo
	switch alert.Severity {
	case types.SeverityCritical:
		level = slog.LevelError
	case types.SeverityWarning:
		level = slog.LevelWarn
	}
	n.logger.Log(ctx, level, "alert notification",
		"alert_id", alert.ID,
		"rule_id", alert.RuleID,
		"device_id", alert.DeviceID,
		"state", alert.State,
		"severity", alert.Severity,
		"message", alert.Message,
	)
	return nil
}

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================

// WebhookNotifier POSTs gzip-compressed alert JSON to an HTTP endpoint.
type WebhookNotifier struct {
	name     string
	endpoint string
	client   *http.Client
}

// WebhookConfig configures a webhook channel.
type WebhookConfig struct {
	Name     string       // channel name
	Endpoint string       // URL to POST alerts
	Client   *http.Client // HTTP client (optional)
}

// NewWebhookNotifier creates a webhook channel.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookNotifier{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		client:   cfg.Client,
	}
}

// Name implements Notifier.
func (n *WebhookNotifier) Name() string { return n.name }

// Send implements Notifier.
func (n *WebhookNotifier) Send(ctx context.Context, alert *types.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	// Compress with gzip
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("compressing alert: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.endpoint, &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// =============================================================================
// NOOP NOTIFIER
// =============================================================================

// NoopNotifier discards alerts. For tests and disabled channels.
type NoopNotifier struct {
	name string
}

// NewNoopNotifier creates a discarding channel.
func NewNoopNotifier(name string) *NoopNotifier {
	return &NoopNotifier{name: name}
}

// Name implements Notifier.
func (n *NoopNotifier) Name() string { return n.name }

// Send implements Notifier.
func (n *NoopNotifier) Send(ctx context.Context, alert *types.Alert) error {
	return nil
}
