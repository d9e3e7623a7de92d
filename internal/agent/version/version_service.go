package version

import (
	"time"

	"fleet-telemetry-agent/internal/config"
)

func Get(cfg config.Config, supervisor string, sinks int) *GetVersionResponse {
	return &GetVersionResponse{
		NodeID:        cfg.NodeID,
		AgentVersion:  cfg.AgentVersion,
		Supervisor:    supervisor,
		HTTPAddr:      cfg.HTTPAddr,
		Sinks:         sinks,
		CheckedAtUnix: time.Now().UTC().Unix(),
	}
}
