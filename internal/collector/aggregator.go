// Package collector drives one telemetry tick per interval: reconcile every
// server, sample the host and the running processes, merge the results into
// a snapshot, then commit it everywhere at once.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"fleet-telemetry-agent/internal/model"
	"fleet-telemetry-agent/internal/reconcile"
)

const pruneInterval = time.Hour

type RecordLoader interface {
	Load(ctx context.Context) ([]model.ServerRecord, error)
}

type Reconciler interface {
	EvaluateAll(ctx context.Context, records []model.ServerRecord) ([]reconcile.Result, error)
	Commit(ctx context.Context, results []reconcile.Result) error
}

type MetricsSource interface {
	SystemMetrics(ctx context.Context) (*model.SystemMetricsSnapshot, error)
	BatchProcessMetrics(ctx context.Context, pids []int) (map[int]*model.ProcessMetricsSnapshot, error)
}

type HistoryRecorder interface {
	RecordTick(ctx context.Context, snap model.TickSnapshot) error
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type Publisher interface {
	SendTick(ctx context.Context, snap model.TickSnapshot) error
	SendAlert(ctx context.Context, alert model.CrashAlert) error
}

// TickObserver is told about every committed tick.
type TickObserver interface {
	TickCommitted(snap model.TickSnapshot, storeErr, historyErr, sinkErr error)
}

type Deps struct {
	Records    RecordLoader
	Reconciler Reconciler
	Metrics    MetricsSource
	History    HistoryRecorder
	Publisher  Publisher
	Alerts     *AlertLimiter
	Observer   TickObserver
	Inst       *TickInstruments
}

type Aggregator struct {
	nodeID    string
	deps      Deps
	logger    *slog.Logger
	now       func() time.Time
	retention time.Duration

	latest    atomic.Pointer[model.TickSnapshot]
	lastPrune time.Time
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithRetention prunes history older than d. Zero keeps everything.
func WithRetention(d time.Duration) Option {
	return func(a *Aggregator) { a.retention = d }
}

func NewAggregator(nodeID string, deps Deps, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{nodeID: nodeID, deps: deps, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Latest returns the most recently committed snapshot, or nil before the
// first tick.
func (a *Aggregator) Latest() *model.TickSnapshot {
	return a.latest.Load()
}

// Tick runs one cycle. If ctx is cancelled before the commit phase nothing
// is written; once commit starts it runs to completion. Commit-phase
// failures are returned joined, alongside the snapshot.
func (a *Aggregator) Tick(ctx context.Context) (model.TickSnapshot, error) {
	started := a.now()

	records, err := a.deps.Records.Load(ctx)
	if err != nil {
		a.deps.Inst.tick("load_failed", a.now().Sub(started))
		return model.TickSnapshot{}, fmt.Errorf("load records: %w", err)
	}

	snap, results, err := a.gather(ctx, records)
	if err != nil {
		a.deps.Inst.tick("cancelled", a.now().Sub(started))
		return model.TickSnapshot{}, err
	}

	commitErr := a.commit(context.WithoutCancel(ctx), snap, results)
	result := "ok"
	if commitErr != nil {
		result = "commit_failed"
	}
	a.deps.Inst.tick(result, a.now().Sub(started))
	return snap, commitErr
}

func (a *Aggregator) gather(ctx context.Context, records []model.ServerRecord) (model.TickSnapshot, []reconcile.Result, error) {
	results, err := a.deps.Reconciler.EvaluateAll(ctx, records)
	if err != nil {
		return model.TickSnapshot{}, nil, err
	}

	sys, err := a.deps.Metrics.SystemMetrics(ctx)
	if err != nil {
		return model.TickSnapshot{}, nil, err
	}

	var pids []int
	for _, res := range results {
		if res.Record.Status == model.StatusRunning && res.Record.PID != nil {
			pids = append(pids, *res.Record.PID)
		}
	}
	var procs map[int]*model.ProcessMetricsSnapshot
	if len(pids) > 0 {
		if procs, err = a.deps.Metrics.BatchProcessMetrics(ctx, pids); err != nil {
			return model.TickSnapshot{}, nil, err
		}
	}

	now := a.now()
	snap := model.TickSnapshot{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		NodeID:    a.nodeID,
		Timestamp: now,
		System:    sys,
		Servers:   make([]model.ServerSnapshot, 0, len(results)),
	}
	for _, res := range results {
		srv := model.ServerSnapshot{Record: res.Record, Status: res.Record.Status}
		if pid := res.Record.PID; pid != nil && res.Record.Status == model.StatusRunning {
			srv.Process = procs[*pid]
		}
		snap.Servers = append(snap.Servers, srv)
	}

	if err := ctx.Err(); err != nil {
		return model.TickSnapshot{}, nil, err
	}
	return snap, results, nil
}

func (a *Aggregator) commit(ctx context.Context, snap model.TickSnapshot, results []reconcile.Result) error {
	storeErr := a.deps.Reconciler.Commit(ctx, results)

	var historyErr error
	if a.deps.History != nil {
		if historyErr = a.deps.History.RecordTick(ctx, snap); historyErr != nil {
			a.logger.Error("record tick history failed", "tick_id", snap.ID, "error", historyErr)
		}
		a.maybePrune(ctx, snap.Timestamp)
	}

	var sinkErr error
	if a.deps.Publisher != nil {
		if sinkErr = a.deps.Publisher.SendTick(ctx, snap); sinkErr != nil {
			a.logger.Warn("publish tick failed", "tick_id", snap.ID, "error", sinkErr)
		}
	}

	a.latest.Store(&snap)
	a.deps.Inst.observeStatuses(snap)

	for _, rec := range reconcile.FindTransitionedToCrashed(results) {
		a.alertCrash(ctx, rec, results, snap.Timestamp)
	}

	if a.deps.Observer != nil {
		a.deps.Observer.TickCommitted(snap, storeErr, historyErr, sinkErr)
	}
	return errors.Join(storeErr, historyErr, sinkErr)
}

func (a *Aggregator) alertCrash(ctx context.Context, rec model.ServerRecord, results []reconcile.Result, at time.Time) {
	alert := model.CrashAlert{
		ServerID:   rec.ID,
		Alias:      rec.Alias,
		Label:      rec.Label,
		DetectedAt: at,
	}
	for _, res := range results {
		if res.Record.ID == rec.ID {
			alert.ExitCode = res.Signals.ExitCode
			break
		}
	}
	a.logger.Error("server crashed", "server", rec.ID, "alias", rec.Alias, "label", rec.Label, "exit_code", derefInt(alert.ExitCode))

	if !a.deps.Alerts.Allow(rec.ID, at) {
		a.deps.Inst.alert("suppressed")
		a.logger.Debug("crash alert rate limited", "server", rec.ID)
		return
	}
	if a.deps.Publisher == nil {
		return
	}
	if err := a.deps.Publisher.SendAlert(ctx, alert); err != nil {
		a.deps.Inst.alert("failed")
		a.logger.Warn("publish crash alert failed", "server", rec.ID, "error", err)
		return
	}
	a.deps.Inst.alert("sent")
}

func (a *Aggregator) maybePrune(ctx context.Context, now time.Time) {
	if a.retention <= 0 || (!a.lastPrune.IsZero() && now.Sub(a.lastPrune) < pruneInterval) {
		return
	}
	a.lastPrune = now
	n, err := a.deps.History.Prune(ctx, now.Add(-a.retention))
	if err != nil {
		a.logger.Warn("prune history failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Debug("pruned history", "rows", n)
	}
}

func derefInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
