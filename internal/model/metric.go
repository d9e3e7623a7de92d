package model

import "time"

type MetricsSource string

const (
	MetricsSourcePrimary  MetricsSource = "primary"
	MetricsSourceFallback MetricsSource = "fallback"
	MetricsSourceNone     MetricsSource = "none"
)

// SystemMetricsSnapshot is one host-wide sample. Pointer fields stay nil when
// the accelerator sampler produced nothing, so "no data" never reads as idle.
// A snapshot is shared by every server of a tick and must not be mutated.
type SystemMetricsSnapshot struct {
	GPUUsage         *float64      `json:"gpu_usage,omitempty"`
	CPUUsage         *float64      `json:"cpu_usage,omitempty"`
	AcceleratorUsage *float64      `json:"accelerator_usage,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MemoryUsed       uint64        `json:"memory_used"`
	MemoryTotal      uint64        `json:"memory_total"`
	Timestamp        time.Time     `json:"timestamp"`
	Source           MetricsSource `json:"source"`
	Warnings         []string      `json:"warnings,omitempty"`
}

type ProcessMetricsSnapshot struct {
	PID         int       `json:"pid"`
	MemoryBytes *uint64   `json:"memory_bytes"`
	CPUPercent  *float64  `json:"cpu_percent"`
	SampledAt   time.Time `json:"sampled_at"`
}

// CoreCounts describes the host's heterogeneous CPU layout.
type CoreCounts struct {
	Performance int    `json:"performance"`
	Efficiency  int    `json:"efficiency"`
	Source      string `json:"source"`
}

func (c CoreCounts) Total() int {
	return c.Performance + c.Efficiency
}
