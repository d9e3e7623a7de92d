package model

import "time"

type CompositeStatus string

const (
	StatusRunning CompositeStatus = "running"
	StatusStopped CompositeStatus = "stopped"
	StatusCrashed CompositeStatus = "crashed"
)

func (s CompositeStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusStopped, StatusCrashed:
		return true
	default:
		return false
	}
}

type LogPaths struct {
	Stdout string `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty" yaml:"stderr,omitempty"`
}

// ServerConfig is the declared launch configuration. The core never acts on
// it; it is carried so snapshots are self-describing.
type ServerConfig struct {
	ModelPath   string            `json:"model_path,omitempty" yaml:"model_path,omitempty"`
	ContextSize int               `json:"context_size,omitempty" yaml:"context_size,omitempty"`
	Extra       map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// ServerRecord is owned by the caller's store. Only Status, PID, LastStarted
// and LastStopped are written by the reconciler.
type ServerRecord struct {
	ID          string          `json:"id" yaml:"id"`
	Alias       string          `json:"alias" yaml:"alias"`
	Host        string          `json:"host" yaml:"host"`
	Port        int             `json:"port" yaml:"port"`
	Label       string          `json:"label" yaml:"label"`
	Logs        LogPaths        `json:"logs" yaml:"logs"`
	Config      ServerConfig    `json:"config" yaml:"config"`
	Status      CompositeStatus `json:"status" yaml:"status"`
	PID         *int            `json:"pid,omitempty" yaml:"pid,omitempty"`
	LastStarted *time.Time      `json:"last_started,omitempty" yaml:"last_started,omitempty"`
	LastStopped *time.Time      `json:"last_stopped,omitempty" yaml:"last_stopped,omitempty"`
}

// RawSignals are the per-tick inputs to classification. Never persisted.
type RawSignals struct {
	ReportedRunning bool
	SupervisorPID   *int
	ExitCode        *int
	PortListening   bool
	PIDAlive        bool
}

// UnitStatus is what the process supervisor reports for one label.
type UnitStatus struct {
	ReportedRunning bool
	PID             *int
	ExitCode        *int
}

type CrashAlert struct {
	ServerID   string    `json:"server_id"`
	Alias      string    `json:"alias"`
	Label      string    `json:"label"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}
