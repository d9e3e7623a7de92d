package logparse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fleet-telemetry-agent/internal/model"
)

func sampleEntry(i int) model.CompactLogEntry {
	return model.CompactLogEntry{
		ServerID:       "srv-1",
		Timestamp:      time.Date(2025, 1, 1, 10, 0, i%60, 0, time.Local),
		Method:         "POST",
		Endpoint:       "/v1/chat/completions",
		ClientIP:       "127.0.0.1",
		StatusCode:     200,
		UserMessage:    fmt.Sprintf("message %d", i),
		TokensIn:       i,
		TokensOut:      i * 2,
		ResponseTimeMs: 100 + i,
	}
}

func TestFileWriterRotatesIntoCompressedSegments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "srv-1.log")
	line := sampleEntry(0).String() + "\n"
	w, err := NewFileWriter(path, WithMaxSize(int64(len(line)*3)))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := w.WriteEntry(ctx, sampleEntry(i)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := os.Stat(segmentName(path, 1)); err != nil {
		t.Fatalf("expected first segment: %v", err)
	}

	entries, err := ReadRecent(path, 100)
	if err != nil {
		t.Fatalf("read recent: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries across segments, got %d", len(entries))
	}
	for i, e := range entries {
		if e.TokensIn != i {
			t.Fatalf("entry %d out of order: %+v", i, e)
		}
	}

	tail, err := ReadRecent(path, 4)
	if err != nil {
		t.Fatalf("read recent: %v", err)
	}
	if len(tail) != 4 || tail[0].TokensIn != 6 || tail[3].TokensIn != 9 {
		t.Fatalf("unexpected tail %+v", tail)
	}
}

func TestDirWriterRoutesByServer(t *testing.T) {
	dir := t.TempDir()
	d := NewDirWriter(dir)
	defer d.Close()

	ctx := context.Background()
	a := sampleEntry(1)
	b := sampleEntry(2)
	b.ServerID = "other/../srv"
	if err := (Fanout{d}).WriteEntry(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteEntry(ctx, b); err != nil {
		t.Fatal(err)
	}

	got, err := d.Recent("srv-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].UserMessage != "message 1" {
		t.Fatalf("unexpected entries %+v", got)
	}
	if filepath.Dir(d.PathFor(b.ServerID)) != dir {
		t.Fatalf("server id escaped log dir: %s", d.PathFor(b.ServerID))
	}
}

func TestReadRecentMissingFile(t *testing.T) {
	entries, err := ReadRecent(filepath.Join(t.TempDir(), "absent.log"), 5)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty result, got %v %v", entries, err)
	}
}
