package model

import "time"

type ServerSnapshot struct {
	Record  ServerRecord            `json:"record"`
	Status  CompositeStatus         `json:"status"`
	Process *ProcessMetricsSnapshot `json:"process,omitempty"`
}

// TickSnapshot is everything one aggregator tick produced.
type TickSnapshot struct {
	ID        string                 `json:"id"`
	NodeID    string                 `json:"node_id"`
	Timestamp time.Time              `json:"timestamp"`
	System    *SystemMetricsSnapshot `json:"system,omitempty"`
	Servers   []ServerSnapshot       `json:"servers"`
}

func (t TickSnapshot) Server(id string) (ServerSnapshot, bool) {
	for _, s := range t.Servers {
		if s.Record.ID == id {
			return s, true
		}
	}
	return ServerSnapshot{}, false
}
