package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"fleet-telemetry-agent/internal/agent"
	"fleet-telemetry-agent/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := applyFlags(&cfg, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("parse flags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := agent.BuildLogger(cfg)
	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("agent initialization failed", "error", err)
		os.Exit(1)
	}

	if err := a.Run(context.Background()); err != nil {
		logger.Error("agent runtime failed", "error", err)
		os.Exit(1)
	}
}

// applyFlags lets command-line flags override the environment. Only flags
// that were set explicitly take effect.
func applyFlags(cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("fleet-telemetry-agent", pflag.ContinueOnError)
	records := fs.String("records", cfg.RecordsPath, "path to the server records YAML file")
	httpAddr := fs.String("http-addr", cfg.HTTPAddr, "listen address for the HTTP API")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	logJSON := fs.Bool("log-json", cfg.LogJSON, "emit JSON logs")
	interval := fs.Duration("interval", cfg.PollInterval, "telemetry tick interval")
	historyDB := fs.String("history-db", cfg.HistoryDBPath, "SQLite history database (empty disables history)")
	compactDir := fs.String("compact-log-dir", cfg.CompactLogDir, "directory for compact request logs (empty disables)")
	showVersion := fs.Bool("version", false, "print the agent version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println(config.HardcodedVersion)
		return pflag.ErrHelp
	}
	if rest := fs.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if fs.Changed("records") {
		cfg.RecordsPath = *records
	}
	if fs.Changed("http-addr") {
		cfg.HTTPAddr = *httpAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("log-json") {
		cfg.LogJSON = *logJSON
	}
	if fs.Changed("interval") {
		cfg.PollInterval = *interval
	}
	if fs.Changed("history-db") {
		cfg.HistoryDBPath = *historyDB
	}
	if fs.Changed("compact-log-dir") {
		cfg.CompactLogDir = *compactDir
	}
	return nil
}
