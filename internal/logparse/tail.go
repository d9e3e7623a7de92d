package logparse

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"fleet-telemetry-agent/internal/model"
)

const DefaultPollInterval = 500 * time.Millisecond

// Tailer follows one log file and feeds its lines to a dedicated
// Consolidator. It survives truncation and rename-style rotation by
// reopening the path from the start.
type Tailer struct {
	path      string
	parser    *Consolidator
	sink      EntrySink
	logger    *slog.Logger
	poll      time.Duration
	fromStart bool
}

type TailerOptions struct {
	ServerID     string
	PollInterval time.Duration
	// FromStart reads existing content on the first open instead of
	// skipping to the end.
	FromStart bool
	Now       func() time.Time
}

func NewTailer(path string, sink EntrySink, logger *slog.Logger, opts TailerOptions) *Tailer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	parserOpts := []Option{WithServerID(opts.ServerID)}
	if opts.Now != nil {
		parserOpts = append(parserOpts, WithClock(opts.Now))
	}
	return &Tailer{
		path:      path,
		parser:    New(parserOpts...),
		sink:      sink,
		logger:    logger.With("server_id", opts.ServerID, "path", path),
		poll:      opts.PollInterval,
		fromStart: opts.FromStart,
	}
}

// Run blocks until ctx is cancelled. A request still buffered at that point
// is flushed.
func (t *Tailer) Run(ctx context.Context) error {
	var (
		f       *os.File
		reader  *bufio.Reader
		offset  int64
		partial string
		first   = true
	)
	defer func() {
		if f != nil {
			f.Close()
		}
		t.parser.Flush(t.emitter(context.WithoutCancel(ctx)))
	}()

	for {
		if f == nil {
			opened, err := os.Open(t.path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					t.logger.Warn("open log failed", "err", err)
				}
				if !sleepWithContext(ctx, t.poll) {
					return nil
				}
				continue
			}
			offset = 0
			if first && !t.fromStart {
				if offset, err = opened.Seek(0, io.SeekEnd); err != nil {
					opened.Close()
					return err
				}
			}
			first = false
			f = opened
			reader = bufio.NewReader(f)
			partial = ""
		}

		line, err := reader.ReadString('\n')
		offset += int64(len(line))
		if err == nil {
			t.parser.ProcessLine(partial+line, t.emitter(ctx))
			partial = ""
			continue
		}
		if !errors.Is(err, io.EOF) {
			t.logger.Warn("read log failed", "err", err)
			f.Close()
			f = nil
			continue
		}
		partial += line

		if t.rotated(f, offset) {
			t.logger.Debug("log rotated, reopening")
			f.Close()
			f = nil
			continue
		}
		if !sleepWithContext(ctx, t.poll) {
			return nil
		}
	}
}

func (t *Tailer) rotated(f *os.File, offset int64) bool {
	current, err := os.Stat(t.path)
	if err != nil {
		return false
	}
	opened, err := f.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(current, opened) || current.Size() < offset
}

func (t *Tailer) emitter(ctx context.Context) Emit {
	return func(entry model.CompactLogEntry) {
		if t.sink == nil {
			return
		}
		if err := t.sink.WriteEntry(ctx, entry); err != nil {
			t.logger.Warn("write compact entry failed", "err", err)
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type runningTailer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Watcher keeps exactly one Tailer per (server, log path).
type Watcher struct {
	sink   EntrySink
	logger *slog.Logger
	poll   time.Duration

	mu      sync.Mutex
	tailers map[string]*runningTailer
}

func NewWatcher(sink EntrySink, logger *slog.Logger, poll time.Duration) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		sink:    sink,
		logger:  logger,
		poll:    poll,
		tailers: make(map[string]*runningTailer),
	}
}

type tailTarget struct {
	serverID string
	path     string
}

func (t tailTarget) key() string { return t.serverID + "\x00" + t.path }

func targetsFor(records []model.ServerRecord) map[string]tailTarget {
	out := make(map[string]tailTarget)
	for _, rec := range records {
		for _, path := range []string{rec.Logs.Stdout, rec.Logs.Stderr} {
			if path == "" {
				continue
			}
			target := tailTarget{serverID: rec.ID, path: path}
			out[target.key()] = target
		}
	}
	return out
}

// Sync starts tailers for new log paths and stops those no longer
// referenced. ctx bounds the lifetime of tailers started by this call.
func (w *Watcher) Sync(ctx context.Context, records []model.ServerRecord) {
	wanted := targetsFor(records)

	w.mu.Lock()
	defer w.mu.Unlock()

	for key, running := range w.tailers {
		if _, ok := wanted[key]; ok {
			continue
		}
		running.cancel()
		<-running.done
		delete(w.tailers, key)
	}

	keys := make([]string, 0, len(wanted))
	for key := range wanted {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, ok := w.tailers[key]; ok {
			continue
		}
		target := wanted[key]
		tailCtx, cancel := context.WithCancel(ctx)
		running := &runningTailer{cancel: cancel, done: make(chan struct{})}
		tailer := NewTailer(target.path, w.sink, w.logger, TailerOptions{
			ServerID:     target.serverID,
			PollInterval: w.poll,
		})
		go func() {
			defer close(running.done)
			if err := tailer.Run(tailCtx); err != nil {
				w.logger.Warn("log tailer stopped", "server_id", target.serverID, "path", target.path, "err", err)
			}
		}()
		w.tailers[key] = running
		w.logger.Debug("tailing server log", "server_id", target.serverID, "path", target.path)
	}
}

func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tailers)
}

// Run syncs against load every interval until ctx is cancelled, then stops
// every tailer.
func (w *Watcher) Run(ctx context.Context, interval time.Duration, load func(context.Context) ([]model.ServerRecord, error)) error {
	defer w.Close()
	for {
		records, err := load(ctx)
		if err != nil {
			w.logger.Warn("load records for log watcher failed", "err", err)
		} else {
			w.Sync(ctx, records)
		}
		if !sleepWithContext(ctx, interval) {
			return nil
		}
	}
}

func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, running := range w.tailers {
		running.cancel()
		<-running.done
		delete(w.tailers, key)
	}
}
