package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const HardcodedVersion = "v0.3.0"

type SupervisorKind string

const (
	SupervisorAuto        SupervisorKind = "auto"
	SupervisorLaunchctl   SupervisorKind = "launchctl"
	SupervisorSystemd     SupervisorKind = "systemd"
	SupervisorSystemdUser SupervisorKind = "systemd-user"
)

type Config struct {
	NodeID       string
	Hostname     string
	AgentVersion string
	RecordsPath  string

	PollInterval          time.Duration
	SystemTTL             time.Duration
	ProcessTTL            time.Duration
	CollectTimeout        time.Duration
	SamplerTimeout        time.Duration
	AcceleratorCmd        []string
	MemoryCmd             []string
	ProcessCmd            []string
	MemoryPageSize        int
	SupervisorKind        SupervisorKind
	PortProbeTimeout      time.Duration
	ReconcileConcurrency  int
	HistoryDBPath         string
	HistoryRetention      time.Duration
	CompactLogDir         string
	CompactLogMaxSize     int64
	LogPollInterval       time.Duration
	RecordsResyncInterval time.Duration

	HTTPAddr        string
	ShutdownTimeout time.Duration

	NATSURL           string
	NATSSubjectPrefix string
	GRPCAddr          string
	GRPCToken         string
	GRPCTickMethod    string
	GRPCAlertMethod   string
	TLSEnabled        bool
	TLSSkipVerify     bool
	TLSCAPath         string
	TLSCertPath       string
	TLSKeyPath        string

	AlertInterval time.Duration
	AlertBurst    int

	LogJSON  bool
	LogLevel string
}

func Load() (Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	cfg := Config{
		NodeID:       env("FLEET_NODE_ID", hostname),
		Hostname:     hostname,
		AgentVersion: HardcodedVersion,
		RecordsPath:  env("FLEET_RECORDS_PATH", "servers.yaml"),

		PollInterval:          envDuration("FLEET_POLL_INTERVAL", 2*time.Second),
		SystemTTL:             envDuration("FLEET_SYSTEM_TTL", 4*time.Second),
		ProcessTTL:            envDuration("FLEET_PROCESS_TTL", 3*time.Second),
		CollectTimeout:        envDuration("FLEET_COLLECT_TIMEOUT", 10*time.Second),
		SamplerTimeout:        envDuration("FLEET_SAMPLER_TIMEOUT", 5*time.Second),
		AcceleratorCmd:        envCommand("FLEET_ACCELERATOR_CMD", nil),
		MemoryCmd:             envCommand("FLEET_MEMORY_CMD", nil),
		ProcessCmd:            envCommand("FLEET_PROCESS_CMD", nil),
		MemoryPageSize:        envInt("FLEET_MEMORY_PAGE_SIZE", 16384),
		SupervisorKind:        SupervisorKind(strings.ToLower(env("FLEET_SUPERVISOR", string(SupervisorAuto)))),
		PortProbeTimeout:      envDuration("FLEET_PORT_PROBE_TIMEOUT", 500*time.Millisecond),
		ReconcileConcurrency:  envInt("FLEET_RECONCILE_CONCURRENCY", 8),
		HistoryDBPath:         env("FLEET_HISTORY_DB", ""),
		HistoryRetention:      envDuration("FLEET_HISTORY_RETENTION", 24*time.Hour),
		CompactLogDir:         env("FLEET_COMPACT_LOG_DIR", ""),
		CompactLogMaxSize:     int64(envInt("FLEET_COMPACT_LOG_MAX_BYTES", 10<<20)),
		LogPollInterval:       envDuration("FLEET_LOG_POLL_INTERVAL", 500*time.Millisecond),
		RecordsResyncInterval: envDuration("FLEET_RECORDS_RESYNC_INTERVAL", 10*time.Second),

		HTTPAddr:        env("FLEET_HTTP_ADDR", "127.0.0.1:9464"),
		ShutdownTimeout: envDuration("FLEET_SHUTDOWN_TIMEOUT", 15*time.Second),

		NATSURL:           env("FLEET_NATS_URL", ""),
		NATSSubjectPrefix: env("FLEET_NATS_SUBJECT_PREFIX", "fleet.telemetry"),
		GRPCAddr:          env("FLEET_GRPC_ADDR", ""),
		GRPCToken:         env("FLEET_GRPC_TOKEN", ""),
		GRPCTickMethod:    env("FLEET_GRPC_TICK_METHOD", "/fleet.telemetry.v1.TelemetryService/StreamTicks"),
		GRPCAlertMethod:   env("FLEET_GRPC_ALERT_METHOD", "/fleet.telemetry.v1.TelemetryService/StreamAlerts"),
		TLSEnabled:        envBool("FLEET_TLS_ENABLED", false),
		TLSSkipVerify:     envBool("FLEET_TLS_SKIP_VERIFY", false),
		TLSCAPath:         env("FLEET_TLS_CA_PATH", ""),
		TLSCertPath:       env("FLEET_TLS_CERT_PATH", ""),
		TLSKeyPath:        env("FLEET_TLS_KEY_PATH", ""),

		AlertInterval: envDuration("FLEET_ALERT_INTERVAL", time.Minute),
		AlertBurst:    envInt("FLEET_ALERT_BURST", 1),

		LogJSON:  envBool("FLEET_LOG_JSON", false),
		LogLevel: strings.ToLower(env("FLEET_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("FLEET_NODE_ID is required")
	}
	if strings.TrimSpace(c.RecordsPath) == "" {
		return errors.New("FLEET_RECORDS_PATH is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("FLEET_POLL_INTERVAL must be > 0")
	}
	if c.SystemTTL <= 0 || c.ProcessTTL <= 0 {
		return errors.New("cache TTLs must be > 0")
	}
	if c.SamplerTimeout <= 0 || c.CollectTimeout <= 0 {
		return errors.New("sampler and collect timeouts must be > 0")
	}
	if c.CollectTimeout < c.SamplerTimeout {
		return errors.New("FLEET_COLLECT_TIMEOUT must be >= FLEET_SAMPLER_TIMEOUT")
	}
	if c.PortProbeTimeout <= 0 {
		return errors.New("FLEET_PORT_PROBE_TIMEOUT must be > 0")
	}
	if c.ReconcileConcurrency <= 0 {
		return errors.New("FLEET_RECONCILE_CONCURRENCY must be > 0")
	}
	if c.MemoryPageSize <= 0 {
		return errors.New("FLEET_MEMORY_PAGE_SIZE must be > 0")
	}
	switch c.SupervisorKind {
	case SupervisorAuto, SupervisorLaunchctl, SupervisorSystemd, SupervisorSystemdUser:
	default:
		return fmt.Errorf("unsupported supervisor %q", c.SupervisorKind)
	}
	if c.CompactLogMaxSize < 0 {
		return errors.New("FLEET_COMPACT_LOG_MAX_BYTES must be >= 0")
	}
	if c.LogPollInterval <= 0 || c.RecordsResyncInterval <= 0 {
		return errors.New("log watcher intervals must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("FLEET_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.AlertInterval < 0 || c.AlertBurst <= 0 {
		return errors.New("alert rate must have interval >= 0 and burst > 0")
	}
	if c.GRPCAddr != "" {
		if strings.TrimSpace(c.GRPCTickMethod) == "" {
			return errors.New("FLEET_GRPC_TICK_METHOD is required when FLEET_GRPC_ADDR is set")
		}
		if strings.TrimSpace(c.GRPCAlertMethod) == "" {
			return errors.New("FLEET_GRPC_ALERT_METHOD is required when FLEET_GRPC_ADDR is set")
		}
	}
	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubjectPrefix) == "" {
		return errors.New("FLEET_NATS_SUBJECT_PREFIX is required when FLEET_NATS_URL is set")
	}
	return nil
}

func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envCommand splits a command line on whitespace. Arguments cannot contain
// spaces.
func envCommand(key string, fallback []string) []string {
	fields := strings.Fields(os.Getenv(key))
	if len(fields) == 0 {
		return fallback
	}
	return fields
}
