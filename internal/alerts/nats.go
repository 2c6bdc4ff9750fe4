package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mbd888/notemarket/internal/logging"
)

// Publisher is the part of *nats.Conn the NATS sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSAlerter publishes alerts as JSON on "<subject>.<severity>", for
// example notemarket.alerts.critical, so consumers can subscribe by urgency.
type NATSAlerter struct {
	pub     Publisher
	subject string
	logger  *slog.Logger
}

// NewNATSAlerter creates a NATS sink.
func NewNATSAlerter(pub Publisher, subject string, logger *slog.Logger) *NATSAlerter {
	return &NATSAlerter{pub: pub, subject: strings.TrimSuffix(subject, "."), logger: logging.OrDefault(logger)}
}

func (n *NATSAlerter) Alert(ctx context.Context, severity Severity, event, message string, metadata map[string]any) {
	payload, err := json.Marshal(newAlert(severity, event, message, metadata))
	if err != nil {
		deliveryFailures.WithLabelValues("nats").Inc()
		logging.Enrich(ctx, n.logger).Error("alert marshal failed", "event", event, "error", err)
		return
	}
	// Publish only buffers; the client flushes asynchronously.
	if err := n.pub.Publish(n.Subject(severity), payload); err != nil {
		deliveryFailures.WithLabelValues("nats").Inc()
		logging.Enrich(ctx, n.logger).Error("alert publish failed", "event", event, "error", err)
	}
}

// Subject returns the subject alerts of the given severity go to.
func (n *NATSAlerter) Subject(severity Severity) string {
	return n.subject + "." + strings.ToLower(string(severity))
}

// ConnectNATS dials the alert bus with reconnect settings suited to a
// long-running service.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	logger = logging.OrDefault(logger)
	conn, err := nats.Connect(url,
		nats.Name("notemarket"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

var (
	_ Alerter   = (*NATSAlerter)(nil)
	_ Publisher = (*nats.Conn)(nil)
)
