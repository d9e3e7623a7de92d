package agent

import (
	"sync/atomic"
	"time"

	"fleet-telemetry-agent/internal/model"
)

type HealthStatus struct {
	storeOK    atomic.Bool
	historyOK  atomic.Bool
	sinkOK     atomic.Bool
	lastTickAt atomic.Int64
	ticks      atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{}
	h.storeOK.Store(false)
	h.historyOK.Store(true)
	h.sinkOK.Store(true)
	return h
}

// TickCommitted records the outcome of a committed tick.
func (h *HealthStatus) TickCommitted(snap model.TickSnapshot, storeErr, historyErr, sinkErr error) {
	h.storeOK.Store(storeErr == nil)
	h.historyOK.Store(historyErr == nil)
	h.sinkOK.Store(sinkErr == nil)
	h.lastTickAt.Store(snap.Timestamp.UnixNano())
	h.ticks.Add(1)
}

// Healthy reports whether a tick committed cleanly within maxAge of now.
func (h *HealthStatus) Healthy(now time.Time, maxAge time.Duration) bool {
	last := h.lastTickAt.Load()
	if last == 0 || now.Sub(time.Unix(0, last)) > maxAge {
		return false
	}
	return h.storeOK.Load()
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"store_ok":   h.storeOK.Load(),
		"history_ok": h.historyOK.Load(),
		"sink_ok":    h.sinkOK.Load(),
		"ticks":      h.ticks.Load(),
	}
	if v := h.lastTickAt.Load(); v > 0 {
		out["last_tick_at"] = time.Unix(0, v).UTC()
	}
	return out
}
