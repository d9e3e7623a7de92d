// Package supervisor queries the host's service manager for the coarse state
// of a unit. It only reads; starting and stopping units is done elsewhere.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"fleet-telemetry-agent/internal/model"
	"fleet-telemetry-agent/internal/system"
)

type Kind string

const (
	KindLaunchctl   Kind = "launchctl"
	KindSystemd     Kind = "systemd"
	KindSystemdUser Kind = "systemd-user"
)

var ErrUnitNotFound = errors.New("unit not found")

type Supervisor interface {
	Status(ctx context.Context, label string) (model.UnitStatus, error)
}

// New picks an implementation by kind. An empty kind selects the platform
// default.
func New(kind Kind, runner system.Runner) (Supervisor, error) {
	if kind == "" {
		kind = DefaultKind()
	}
	switch kind {
	case KindLaunchctl:
		return &Launchctl{runner: runner}, nil
	case KindSystemd:
		return &Systemd{runner: runner}, nil
	case KindSystemdUser:
		return &Systemd{runner: runner, user: true}, nil
	default:
		return nil, fmt.Errorf("unsupported supervisor kind %q", kind)
	}
}

func DefaultKind() Kind {
	if runtime.GOOS == "darwin" {
		return KindLaunchctl
	}
	return KindSystemdUser
}

func intPtr(v int) *int {
	return &v
}
