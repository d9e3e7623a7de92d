package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"fleet-telemetry-agent/internal/model"
	"fleet-telemetry-agent/internal/system"
)

type Systemd struct {
	runner system.Runner
	user   bool
}

func (s *Systemd) Status(ctx context.Context, label string) (model.UnitStatus, error) {
	args := []string{"show", label, "--property=LoadState,ActiveState,MainPID,ExecMainCode,ExecMainStatus"}
	if s.user {
		args = append([]string{"--user"}, args...)
	}
	out, err := s.runner.Output(ctx, "systemctl", args...)
	if err != nil {
		return model.UnitStatus{}, fmt.Errorf("systemctl show %s: %w", label, err)
	}
	props := parseProperties(string(out))
	if props["LoadState"] == "not-found" {
		return model.UnitStatus{}, fmt.Errorf("systemctl show %s: %w", label, ErrUnitNotFound)
	}
	return unitStatusFromProperties(props), nil
}

func parseProperties(raw string) map[string]string {
	props := map[string]string{}
	s := bufio.NewScanner(strings.NewReader(raw))
	for s.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(s.Text()), "=")
		if !ok {
			continue
		}
		props[key] = value
	}
	return props
}

// ExecMainCode 2 (CLD_KILLED) and 3 (CLD_DUMPED) carry a signal number in
// ExecMainStatus; those map to the shell convention 128+signal.
func unitStatusFromProperties(props map[string]string) model.UnitStatus {
	var st model.UnitStatus
	switch props["ActiveState"] {
	case "active", "reloading":
		st.ReportedRunning = true
	}
	if pid, err := strconv.Atoi(props["MainPID"]); err == nil && pid > 0 {
		st.PID = intPtr(pid)
	}
	if raw, ok := props["ExecMainStatus"]; ok && raw != "" {
		if code, err := strconv.Atoi(raw); err == nil {
			switch props["ExecMainCode"] {
			case "2", "3":
				code = 128 + code
			}
			st.ExitCode = intPtr(code)
		}
	}
	return st
}
