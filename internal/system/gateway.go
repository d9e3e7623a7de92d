package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleet-telemetry-agent/internal/model"
)

type GatewayConfig struct {
	AcceleratorCmd   []string
	MemoryCmd        []string
	ProcessCmd       []string
	PortProbeTimeout time.Duration
	PageSize         uint64
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AcceleratorCmd:   []string{"macmon", "pipe", "-s", "1", "-i", "500"},
		MemoryCmd:        []string{"vm_stat"},
		ProcessCmd:       []string{"ps", "-o", "pid=,%cpu=,rss=", "-p"},
		PortProbeTimeout: DefaultPortProbeTimeout,
		PageSize:         DefaultPageSize,
	}
}

// Gateway is the single boundary to external measurement utilities.
type Gateway struct {
	cfg    GatewayConfig
	runner Runner
	flat   FlatCounter
	logger *slog.Logger

	pidAlive func(pid int) bool
}

func NewGateway(cfg GatewayConfig, runner Runner, logger *slog.Logger) *Gateway {
	def := DefaultGatewayConfig()
	if len(cfg.AcceleratorCmd) == 0 {
		cfg.AcceleratorCmd = def.AcceleratorCmd
	}
	if len(cfg.MemoryCmd) == 0 {
		cfg.MemoryCmd = def.MemoryCmd
	}
	if len(cfg.ProcessCmd) == 0 {
		cfg.ProcessCmd = def.ProcessCmd
	}
	if cfg.PortProbeTimeout <= 0 {
		cfg.PortProbeTimeout = def.PortProbeTimeout
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = def.PageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:      cfg,
		runner:   runner,
		flat:     LogicalCoreCount,
		logger:   logger,
		pidAlive: PIDAlive,
	}
}

func (g *Gateway) SampleAccelerator(ctx context.Context) (AcceleratorSample, error) {
	line, err := g.runner.FirstLine(ctx, g.cfg.AcceleratorCmd[0], g.cfg.AcceleratorCmd[1:]...)
	if err != nil {
		return AcceleratorSample{}, fmt.Errorf("accelerator sampler: %w", err)
	}
	return ParseAcceleratorLine(line)
}

func (g *Gateway) SampleMemory(ctx context.Context) (MemoryInfo, error) {
	out, err := g.runner.Output(ctx, g.cfg.MemoryCmd[0], g.cfg.MemoryCmd[1:]...)
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("memory sampler: %w", err)
	}
	return ParsePageCounters(string(out), g.cfg.PageSize)
}

// SampleProcesses issues one sampler invocation covering every pid.
func (g *Gateway) SampleProcesses(ctx context.Context, pids []int) (map[int]ProcessSample, error) {
	if len(pids) == 0 {
		return map[int]ProcessSample{}, nil
	}
	args := append(append([]string(nil), g.cfg.ProcessCmd[1:]...), joinPIDs(pids))
	out, err := g.runner.Output(ctx, g.cfg.ProcessCmd[0], args...)
	if err != nil && len(out) == 0 {
		// ps exits non-zero when any listed pid is gone; the remaining lines
		// are still usable, so only an empty result is a failure.
		return nil, fmt.Errorf("process sampler: %w", err)
	}
	return ParseProcessLines(string(out), pids), nil
}

func (g *Gateway) CoreCounts(ctx context.Context) model.CoreCounts {
	counts := DetectCoreCounts(ctx, g.runner, g.flat)
	g.logger.Debug("detected core layout", "performance", counts.Performance, "efficiency", counts.Efficiency, "source", counts.Source)
	return counts
}

func (g *Gateway) PIDAlive(_ context.Context, pid int) bool {
	return g.pidAlive(pid)
}

func (g *Gateway) PortListening(ctx context.Context, host string, port int) bool {
	return PortListening(ctx, host, port, g.cfg.PortProbeTimeout)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrSamplerTimeout) || errors.Is(err, context.DeadlineExceeded)
}
