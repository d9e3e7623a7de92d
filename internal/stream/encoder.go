package stream

import (
	"context"
	"encoding/json"

	"fleet-telemetry-agent/internal/model"
)

// Sink receives committed tick output. Implementations must be safe for use
// from one goroutine at a time; the aggregator never sends concurrently.
type Sink interface {
	SendTick(ctx context.Context, snap model.TickSnapshot) error
	SendAlert(ctx context.Context, alert model.CrashAlert) error
	Close(ctx context.Context) error
}

type TickFrame struct {
	NodeID        string             `json:"node_id"`
	TimestampUnix int64              `json:"timestamp_unix"`
	Tick          model.TickSnapshot `json:"tick"`
}

type AlertFrame struct {
	NodeID        string           `json:"node_id"`
	TimestampUnix int64            `json:"timestamp_unix"`
	Alert         model.CrashAlert `json:"alert"`
}

func NewTickFrame(snap model.TickSnapshot) TickFrame {
	return TickFrame{NodeID: snap.NodeID, TimestampUnix: snap.Timestamp.UTC().Unix(), Tick: snap}
}

func NewAlertFrame(nodeID string, alert model.CrashAlert) AlertFrame {
	return AlertFrame{NodeID: nodeID, TimestampUnix: alert.DetectedAt.UTC().Unix(), Alert: alert}
}

func EncodeEnvelope(e model.Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func TickEnvelope(snap model.TickSnapshot) model.Envelope {
	return model.Envelope{Type: model.MessageTypeTick, NodeID: snap.NodeID, Timestamp: snap.Timestamp, Payload: snap}
}

func AlertEnvelope(nodeID string, alert model.CrashAlert) model.Envelope {
	return model.Envelope{Type: model.MessageTypeCrashAlert, NodeID: nodeID, Timestamp: alert.DetectedAt, Payload: alert}
}
