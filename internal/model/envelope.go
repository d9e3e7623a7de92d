package model

import "time"

type MessageType string

const (
	MessageTypeTick       MessageType = "tick_snapshot"
	MessageTypeCrashAlert MessageType = "crash_alert"
)

// Envelope is transport-agnostic framing for stream payloads.
type Envelope struct {
	Type      MessageType `json:"type"`
	NodeID    string      `json:"node_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}
