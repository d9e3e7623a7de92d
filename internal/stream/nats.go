package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"fleet-telemetry-agent/internal/model"
)

const natsFlushTimeout = 2 * time.Second

type natsConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// NATSPublisher publishes JSON envelopes to {prefix}.{node}.tick and
// {prefix}.{node}.alert.
type NATSPublisher struct {
	conn   natsConn
	prefix string
	nodeID string
	logger *slog.Logger
}

func NewNATSPublisher(url, prefix, nodeID string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("fleet-telemetry-agent/"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
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
	return newNATSPublisher(conn, prefix, nodeID, logger), nil
}

func newNATSPublisher(conn natsConn, prefix, nodeID string, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix, nodeID: nodeID, logger: logger}
}

func (p *NATSPublisher) TickSubject() string  { return fmt.Sprintf("%s.%s.tick", p.prefix, p.nodeID) }
func (p *NATSPublisher) AlertSubject() string { return fmt.Sprintf("%s.%s.alert", p.prefix, p.nodeID) }

func (p *NATSPublisher) SendTick(ctx context.Context, snap model.TickSnapshot) error {
	return p.publish(ctx, p.TickSubject(), TickEnvelope(snap))
}

// SendAlert flushes so a crash alert is on the wire before the call returns.
func (p *NATSPublisher) SendAlert(ctx context.Context, alert model.CrashAlert) error {
	if err := p.publish(ctx, p.AlertSubject(), AlertEnvelope(p.nodeID, alert)); err != nil {
		return err
	}
	return p.conn.FlushTimeout(natsFlushTimeout)
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, env model.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close(context.Context) error {
	return p.conn.Drain()
}
