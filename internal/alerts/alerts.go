// Package alerts routes operational alerts and tickets to their sinks.
//
// Alerting is fire-and-forget: Alert never returns an error and never
// blocks on a slow sink. Delivery failures are logged and counted.
package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/notemarket/internal/logging"
)

// Severity orders alerts by urgency.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one emitted alert, as delivered to webhook and NATS sinks.
type Alert struct {
	Severity Severity       `json:"severity"`
	Event    string         `json:"event"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     time.Time      `json:"time"`
}

// Alerter receives alerts.
type Alerter interface {
	Alert(ctx context.Context, severity Severity, event, message string, metadata map[string]any)
}

// Ticketer opens an incident ticket for a human to follow up.
type Ticketer interface {
	CreateTicket(ctx context.Context, summary string, metadata map[string]any) error
}

func newAlert(severity Severity, event, message string, metadata map[string]any) Alert {
	return Alert{
		Severity: severity,
		Event:    event,
		Message:  message,
		Metadata: metadata,
		Time:     time.Now().UTC(),
	}
}

// LogAlerter writes alerts to a structured logger at a level matching the
// severity.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a logging sink. A nil logger uses slog.Default().
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logging.OrDefault(logger)}
}

func (a *LogAlerter) Alert(ctx context.Context, severity Severity, event, message string, metadata map[string]any) {
	alertsTotal.WithLabelValues(string(severity), event).Inc()

	args := []any{"event", event, "severity", string(severity)}
	for k, v := range metadata {
		args = append(args, k, v)
	}
	logging.Enrich(ctx, a.logger).Log(ctx, levelFor(severity), message, args...)
}

func levelFor(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Multi fans an alert out to every sink.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, severity Severity, event, message string, metadata map[string]any) {
	for _, a := range m {
		a.Alert(ctx, severity, event, message, metadata)
	}
}

// Memory records alerts and tickets. Used by tests and local development.
type Memory struct {
	mu      sync.Mutex
	alerts  []Alert
	tickets []Ticket
}

// Ticket is a ticket recorded by Memory.
type Ticket struct {
	Summary  string
	Metadata map[string]any
}

// NewMemory creates an empty recorder.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Alert(_ context.Context, severity Severity, event, message string, metadata map[string]any) {
	m.mu.Lock()
	m.alerts = append(m.alerts, newAlert(severity, event, message, metadata))
	m.mu.Unlock()
}

func (m *Memory) CreateTicket(_ context.Context, summary string, metadata map[string]any) error {
	m.mu.Lock()
	m.tickets = append(m.tickets, Ticket{Summary: summary, Metadata: metadata})
	m.mu.Unlock()
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (m *Memory) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Tickets returns a copy of the recorded tickets.
func (m *Memory) Tickets() []Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Ticket, len(m.tickets))
	copy(out, m.tickets)
	return out
}

// Count returns how many alerts with the given event were recorded.
func (m *Memory) Count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.Event == event {
			n++
		}
	}
	return n
}

// LogTicketer records tickets in the log only. It is the fallback when no
// ticketing endpoint is configured.
type LogTicketer struct {
	logger *slog.Logger
}

// NewLogTicketer creates a logging ticketer.
func NewLogTicketer(logger *slog.Logger) *LogTicketer {
	return &LogTicketer{logger: logging.OrDefault(logger)}
}

func (t *LogTicketer) CreateTicket(ctx context.Context, summary string, metadata map[string]any) error {
	args := []any{"summary", summary}
	for k, v := range metadata {
		args = append(args, k, v)
	}
	logging.Enrich(ctx, t.logger).Warn("ticket requested", args...)
	return nil
}

var (
	_ Alerter  = (*LogAlerter)(nil)
	_ Alerter  = Multi(nil)
	_ Alerter  = (*Memory)(nil)
	_ Ticketer = (*Memory)(nil)
	_ Ticketer = (*LogTicketer)(nil)
)
