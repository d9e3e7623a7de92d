package version

import (
	"testing"

	"fleet-telemetry-agent/internal/config"
)

func TestGet(t *testing.T) {
	cfg := config.Config{NodeID: "node-a", AgentVersion: config.HardcodedVersion, HTTPAddr: "127.0.0.1:9464"}
	got := Get(cfg, "launchctl", 2)
	if got.NodeID != "node-a" || got.AgentVersion != config.HardcodedVersion || got.Supervisor != "launchctl" || got.Sinks != 2 {
		t.Fatalf("unexpected response %+v", got)
	}
	if got.CheckedAtUnix <= 0 {
		t.Fatal("checked_at_unix not set")
	}
}
