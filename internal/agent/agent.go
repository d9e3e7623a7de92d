package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fleet-telemetry-agent/internal/agent/version"
	"fleet-telemetry-agent/internal/collector"
	"fleet-telemetry-agent/internal/config"
	"fleet-telemetry-agent/internal/logparse"
	"fleet-telemetry-agent/internal/metrics"
	"fleet-telemetry-agent/internal/model"
	"fleet-telemetry-agent/internal/reconcile"
	"fleet-telemetry-agent/internal/store"
	"fleet-telemetry-agent/internal/stream"
	"fleet-telemetry-agent/internal/supervisor"
	"fleet-telemetry-agent/internal/system"
)

const (
	healthInterval = 30 * time.Second
	errorBackoff   = time.Second
)

type Agent struct {
	cfg        config.Config
	logger     *slog.Logger
	records    *store.FileStore
	history    *store.History
	compact    *logparse.DirWriter
	watcher    *logparse.Watcher
	cache      *metrics.Cache
	aggregator *collector.Aggregator
	scheduler  *collector.Scheduler
	sink       *stream.Multi
	health     *HealthStatus
	server     *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*Agent, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}

	sink, err := stream.NewSinkFromConfig(cfg, tlsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("stream sink: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	runner := system.NewExecRunner(cfg.SamplerTimeout)
	gateway := system.NewGateway(system.GatewayConfig{
		AcceleratorCmd:   cfg.AcceleratorCmd,
		MemoryCmd:        cfg.MemoryCmd,
		ProcessCmd:       cfg.ProcessCmd,
		PortProbeTimeout: cfg.PortProbeTimeout,
		PageSize:         uint64(cfg.MemoryPageSize),
	}, runner, logger)

	kind := supervisor.Kind(cfg.SupervisorKind)
	if cfg.SupervisorKind == config.SupervisorAuto {
		kind = supervisor.DefaultKind()
	}
	sup, err := supervisor.New(kind, runner)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		records: store.NewFileStore(cfg.RecordsPath),
		sink:    sink,
		health:  NewHealthStatus(),
	}

	var entrySinks logparse.Fanout
	if cfg.HistoryDBPath != "" {
		if a.history, err = store.OpenHistory(cfg.HistoryDBPath); err != nil {
			_ = sink.Close(context.Background())
			return nil, fmt.Errorf("open history: %w", err)
		}
		entrySinks = append(entrySinks, a.history)
	}
	if cfg.CompactLogDir != "" {
		a.compact = logparse.NewDirWriter(cfg.CompactLogDir, logparse.WithMaxSize(cfg.CompactLogMaxSize))
		entrySinks = append(entrySinks, a.compact)
	}
	a.watcher = logparse.NewWatcher(entrySinks, logger, cfg.LogPollInterval)

	a.cache = metrics.NewCache(gateway, logger, metrics.Options{
		SystemTTL:      cfg.SystemTTL,
		ProcessTTL:     cfg.ProcessTTL,
		CollectTimeout: cfg.CollectTimeout,
		Instruments:    metrics.NewInstruments(registry),
	})
	reconciler := reconcile.New(sup, gateway, a.records, logger, reconcile.WithConcurrency(cfg.ReconcileConcurrency))

	deps := collector.Deps{
		Records:    a.records,
		Reconciler: reconciler,
		Metrics:    a.cache,
		Publisher:  sink,
		Alerts:     collector.NewAlertLimiter(cfg.AlertInterval, cfg.AlertBurst),
		Observer:   a.health,
		Inst:       collector.NewTickInstruments(registry),
	}
	if a.history != nil {
		deps.History = a.history
	}
	a.aggregator = collector.NewAggregator(cfg.NodeID, deps, logger, collector.WithRetention(cfg.HistoryRetention))
	a.scheduler = collector.NewScheduler(logger, a.aggregator, cfg.PollInterval, errorBackoff)

	apiDeps := APIDeps{
		Snapshots:  a.aggregator,
		Cores:      a.cache,
		Health:     a.health,
		Gatherer:   registry,
		MaxTickAge: 5 * cfg.PollInterval,
		Logger:     logger,
		Version: func() *version.GetVersionResponse {
			return version.Get(cfg, string(kind), sink.Len())
		},
	}
	switch {
	case a.history != nil:
		apiDeps.Requests = a.history
		apiDeps.Samples = a.history
	case a.compact != nil:
		apiDeps.Requests = compactRequestLog{w: a.compact}
	}
	a.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(apiDeps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting fleet-telemetry-agent", "node_id", a.cfg.NodeID, "records", a.cfg.RecordsPath, "sinks", a.sink.Len())
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancelShutdown()
	a.shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("fleet-telemetry-agent stopped")
	return nil
}

type compactRequestLog struct {
	w *logparse.DirWriter
}

func (c compactRequestLog) RecentRequests(_ context.Context, serverID string, limit int) ([]model.CompactLogEntry, error) {
	return c.w.Recent(serverID, limit)
}
