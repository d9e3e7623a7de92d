package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"fleet-telemetry-agent/internal/config"
	"fleet-telemetry-agent/internal/model"
)

// Multi fans out to every configured sink. A failing sink does not stop
// delivery to the rest.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) SendTick(ctx context.Context, snap model.TickSnapshot) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.SendTick(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) SendAlert(ctx context.Context, alert model.CrashAlert) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.SendAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewSinkFromConfig builds every sink with a configured endpoint. No
// endpoints yields an empty Multi, which drops everything.
func NewSinkFromConfig(cfg config.Config, tlsCfg *tls.Config, logger *slog.Logger) (*Multi, error) {
	var sinks []Sink
	if cfg.GRPCAddr != "" {
		sinks = append(sinks, NewGRPCClient(cfg.GRPCAddr, tlsCfg, cfg.GRPCToken, cfg.NodeID, cfg.GRPCTickMethod, cfg.GRPCAlertMethod, logger))
	}
	if cfg.NATSURL != "" {
		pub, err := NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.NodeID, logger)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close(context.Background())
			}
			return nil, fmt.Errorf("nats sink: %w", err)
		}
		sinks = append(sinks, pub)
	}
	return NewMulti(sinks...), nil
}
