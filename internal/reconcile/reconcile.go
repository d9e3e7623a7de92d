// Package reconcile derives one authoritative status per server from the
// supervisor's report, PID liveness and port liveness.
//
// Port liveness dominates: a unit is only "running" when its declared port
// accepts connections. This assumes a cheap local TCP probe is permitted; on
// hosts where loopback connects are filtered a healthy server reads as
// stopped.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"fleet-telemetry-agent/internal/model"
)

const DefaultConcurrency = 8

type Supervisor interface {
	Status(ctx context.Context, label string) (model.UnitStatus, error)
}

type Prober interface {
	PIDAlive(ctx context.Context, pid int) bool
	PortListening(ctx context.Context, host string, port int) bool
}

type RecordSaver interface {
	Save(ctx context.Context, rec model.ServerRecord) error
}

// Result is one record's outcome for a cycle.
type Result struct {
	Record   model.ServerRecord
	Previous model.CompositeStatus
	Signals  model.RawSignals
	Err      error
}

func (r Result) Transitioned() bool {
	return r.Previous != r.Record.Status
}

type Reconciler struct {
	supervisor  Supervisor
	prober      Prober
	store       RecordSaver
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func New(sup Supervisor, prober Prober, store RecordSaver, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		supervisor:  sup,
		prober:      prober,
		store:       store,
		logger:      logger,
		now:         time.Now,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify is the pure status function over one cycle's signals.
func Classify(sig model.RawSignals) model.CompositeStatus {
	if sig.ReportedRunning && sig.PortListening {
		return model.StatusRunning
	}
	if !sig.ReportedRunning && sig.ExitCode != nil && *sig.ExitCode != 0 {
		return model.StatusCrashed
	}
	return model.StatusStopped
}

// Gather collects the raw signals for one record. A supervisor failure is
// returned alongside fail-closed signals (not running, no exit code).
func (r *Reconciler) Gather(ctx context.Context, rec model.ServerRecord) (model.RawSignals, error) {
	unit, err := r.supervisor.Status(ctx, rec.Label)
	if err != nil {
		return model.RawSignals{}, fmt.Errorf("supervisor status %s: %w", rec.Label, err)
	}
	sig := model.RawSignals{
		ReportedRunning: unit.ReportedRunning,
		SupervisorPID:   unit.PID,
		ExitCode:        unit.ExitCode,
	}
	if unit.PID != nil {
		sig.PIDAlive = r.prober.PIDAlive(ctx, *unit.PID)
		if sig.ReportedRunning && !sig.PIDAlive {
			// launchd/systemd state can lag a process that already died.
			sig.ReportedRunning = false
		}
	}
	sig.PortListening = r.prober.PortListening(ctx, rec.Host, rec.Port)
	return sig, nil
}

// Evaluate runs classification and transition stamping without persisting.
func (r *Reconciler) Evaluate(ctx context.Context, rec model.ServerRecord) Result {
	res := Result{Previous: rec.Status}
	sig, err := r.Gather(ctx, rec)
	if err != nil {
		r.logger.Warn("reconcile signals unavailable, classifying as not running", "server", rec.ID, "label", rec.Label, "error", err)
		res.Err = err
	}
	res.Signals = sig
	res.Record = Apply(rec, Classify(sig), sig.SupervisorPID, r.now())
	return res
}

// Apply writes status, pid and transition timestamps onto a copy of rec.
func Apply(rec model.ServerRecord, status model.CompositeStatus, pid *int, now time.Time) model.ServerRecord {
	prev := rec.Status
	rec.Status = status
	// The pid always reflects this tick's report; a stale one would be
	// sampled as if it were the server.
	rec.PID = nil
	if status == model.StatusRunning && pid != nil {
		p := *pid
		rec.PID = &p
	}
	switch {
	case status == model.StatusRunning && prev != model.StatusRunning:
		t := now
		rec.LastStarted = &t
	case status != model.StatusRunning && prev == model.StatusRunning:
		t := now
		rec.LastStopped = &t
	}
	return rec
}

// Reconcile classifies one record and persists it.
func (r *Reconciler) Reconcile(ctx context.Context, rec model.ServerRecord) (model.ServerRecord, error) {
	res := r.Evaluate(ctx, rec)
	if err := r.store.Save(ctx, res.Record); err != nil {
		return res.Record, fmt.Errorf("save %s: %w", rec.ID, err)
	}
	return res.Record, nil
}

// EvaluateAll classifies every record concurrently. Records never share
// mutable state; a failing record does not affect the others. The only error
// is ctx cancellation, in which case nothing should be committed.
func (r *Reconciler) EvaluateAll(ctx context.Context, records []model.ServerRecord) ([]Result, error) {
	results := make([]Result, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range records {
		i := i
		g.Go(func() error {
			results[i] = r.Evaluate(gctx, records[i])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Commit persists every evaluated record. It runs to completion even if ctx
// is cancelled midway so a cycle is never half-applied; per-record save
// failures are reported on the result.
func (r *Reconciler) Commit(ctx context.Context, results []Result) error {
	saveCtx := context.WithoutCancel(ctx)
	var failed int
	for i := range results {
		if err := r.store.Save(saveCtx, results[i].Record); err != nil {
			failed++
			results[i].Err = fmt.Errorf("save %s: %w", results[i].Record.ID, err)
			r.logger.Error("persist reconciled record failed", "server", results[i].Record.ID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d records failed to persist", failed, len(results))
	}
	return nil
}

// ReconcileAll evaluates then commits all records.
func (r *Reconciler) ReconcileAll(ctx context.Context, records []model.ServerRecord) ([]Result, error) {
	results, err := r.EvaluateAll(ctx, records)
	if err != nil {
		return nil, err
	}
	return results, r.Commit(ctx, results)
}

// FindTransitionedToCrashed returns records that became crashed this cycle.
func FindTransitionedToCrashed(results []Result) []model.ServerRecord {
	var out []model.ServerRecord
	for _, res := range results {
		if res.Record.Status == model.StatusCrashed && res.Previous != model.StatusCrashed {
			out = append(out, res.Record)
		}
	}
	return out
}
