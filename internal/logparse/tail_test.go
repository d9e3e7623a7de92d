package logparse

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fleet-telemetry-agent/internal/model"
)

type chanSink struct {
	ch chan model.CompactLogEntry
}

func (s *chanSink) WriteEntry(_ context.Context, e model.CompactLogEntry) error {
	s.ch <- e
	return nil
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := f.WriteString(l + "\n"); err != nil {
			t.Fatal(err)
		}
	}
}

func waitEntry(t *testing.T, ch <-chan model.CompactLogEntry) model.CompactLogEntry {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for entry")
	}
	return model.CompactLogEntry{}
}

func TestTailerFollowsFromEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	appendLines(t, path, startLine, requestBody, responseLine)

	sink := &chanSink{ch: make(chan model.CompactLogEntry, 4)}
	tailer := NewTailer(path, sink, nil, TailerOptions{ServerID: "srv-1", PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tailer.Run(ctx)
	}()

	// Give the tailer time to seek past the existing content.
	time.Sleep(100 * time.Millisecond)
	second := `[2025-01-01 11:00:00] request: GET /v1/models 127.0.0.1 200`
	appendLines(t, path, second, "response: {}")

	e := waitEntry(t, sink.ch)
	if e.Endpoint != "/v1/models" || e.ServerID != "srv-1" {
		t.Fatalf("unexpected entry %+v", e)
	}

	appendLines(t, path, startLine)
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	flushed := waitEntry(t, sink.ch)
	if flushed.Endpoint != "/v1/chat/completions" || flushed.TokensIn != 0 {
		t.Fatalf("unexpected flushed entry %+v", flushed)
	}
}

func TestTailerReopensAfterTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	appendLines(t, path, "boot line one", "boot line two")

	sink := &chanSink{ch: make(chan model.CompactLogEntry, 4)}
	tailer := NewTailer(path, sink, nil, TailerOptions{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tailer.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	appendLines(t, path, startLine, responseLine)

	e := waitEntry(t, sink.ch)
	if e.TokensIn != 12 {
		t.Fatalf("unexpected entry %+v", e)
	}
}

type countingSink struct {
	mu sync.Mutex
	n  int
}

func (s *countingSink) WriteEntry(context.Context, model.CompactLogEntry) error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func TestWatcherSyncKeepsOneTailerPerPath(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(&countingSink{}, nil, 10*time.Millisecond)
	defer w.Close()

	ctx := context.Background()
	records := []model.ServerRecord{
		{ID: "a", Logs: model.LogPaths{Stdout: filepath.Join(dir, "a.out"), Stderr: filepath.Join(dir, "a.err")}},
		{ID: "b", Logs: model.LogPaths{Stderr: filepath.Join(dir, "b.err")}},
	}
	w.Sync(ctx, records)
	w.Sync(ctx, records)
	if got := w.Active(); got != 3 {
		t.Fatalf("expected 3 tailers, got %d", got)
	}

	w.Sync(ctx, records[1:])
	if got := w.Active(); got != 1 {
		t.Fatalf("expected 1 tailer after removal, got %d", got)
	}
}
