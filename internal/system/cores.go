package system

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"

	"fleet-telemetry-agent/internal/model"
)

const (
	defaultPerfCores = 4
	defaultEffCores  = 4

	CoreSourcePerType = "per-type"
	CoreSourceFlat    = "flat"
	CoreSourceDefault = "default"
)

// FlatCounter reports the total logical core count.
type FlatCounter func(ctx context.Context) (int, error)

func LogicalCoreCount(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

// DetectCoreCounts tries per-type counts first, then a flat count split
// evenly, then a hardcoded layout.
func DetectCoreCounts(ctx context.Context, runner Runner, flat FlatCounter) model.CoreCounts {
	if runner != nil {
		perf, perfErr := sysctlInt(ctx, runner, "hw.perflevel0.logicalcpu")
		eff, effErr := sysctlInt(ctx, runner, "hw.perflevel1.logicalcpu")
		if perfErr == nil && effErr == nil && perf > 0 && eff >= 0 {
			return model.CoreCounts{Performance: perf, Efficiency: eff, Source: CoreSourcePerType}
		}
	}
	if flat != nil {
		if n, err := flat(ctx); err == nil && n > 0 {
			eff := n / 2
			return model.CoreCounts{Performance: n - eff, Efficiency: eff, Source: CoreSourceFlat}
		}
	}
	return model.CoreCounts{Performance: defaultPerfCores, Efficiency: defaultEffCores, Source: CoreSourceDefault}
}

func sysctlInt(ctx context.Context, runner Runner, key string) (int, error) {
	out, err := runner.Output(ctx, "sysctl", "-n", key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parse sysctl %s: %w", key, err)
	}
	return v, nil
}

// WeightedCPUPercent is the core-count-weighted utilization across
// performance and efficiency clusters.
func WeightedCPUPercent(perfFraction, effFraction float64, cores model.CoreCounts) float64 {
	total := cores.Total()
	if total <= 0 {
		return 0
	}
	weighted := perfFraction*float64(cores.Performance) + effFraction*float64(cores.Efficiency)
	return clampPercent(weighted / float64(total) * 100)
}

func clampPercent(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
