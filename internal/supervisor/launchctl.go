package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"fleet-telemetry-agent/internal/model"
	"fleet-telemetry-agent/internal/system"
)

var (
	launchdPIDRe  = regexp.MustCompile(`"PID"\s*=\s*(\d+);`)
	launchdExitRe = regexp.MustCompile(`"LastExitStatus"\s*=\s*(-?\d+);`)
)

type Launchctl struct {
	runner system.Runner
}

func (l *Launchctl) Status(ctx context.Context, label string) (model.UnitStatus, error) {
	out, err := l.runner.Output(ctx, "launchctl", "list", label)
	if err != nil {
		if system.IsTimeout(err) || ctx.Err() != nil {
			return model.UnitStatus{}, fmt.Errorf("launchctl list %s: %w", label, err)
		}
		return model.UnitStatus{}, fmt.Errorf("launchctl list %s: %w", label, ErrUnitNotFound)
	}
	return ParseLaunchctlList(string(out)), nil
}

// ParseLaunchctlList reads the plist-style dictionary printed by
// `launchctl list <label>`. A PID entry means launchd considers the job
// running.
func ParseLaunchctlList(raw string) model.UnitStatus {
	var st model.UnitStatus
	if m := launchdPIDRe.FindStringSubmatch(raw); m != nil {
		if pid, err := strconv.Atoi(m[1]); err == nil && pid > 0 {
			st.PID = intPtr(pid)
			st.ReportedRunning = true
		}
	}
	if m := launchdExitRe.FindStringSubmatch(raw); m != nil {
		if code, err := strconv.Atoi(m[1]); err == nil {
			st.ExitCode = intPtr(normalizeWaitStatus(code))
		}
	}
	return st
}

// launchd reports the raw wait status: exit codes are shifted left by 8,
// signals are reported as-is.
func normalizeWaitStatus(v int) int {
	if v >= 256 && v%256 == 0 {
		return v / 256
	}
	return v
}
