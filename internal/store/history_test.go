package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fleet-telemetry-agent/internal/model"
)

func f64(v float64) *float64 { return &v }
func u64(v uint64) *uint64   { return &v }

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryRecordTick(t *testing.T) {
	ctx := context.Background()
	h := openTestHistory(t)

	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	pid := 99
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		snap := model.TickSnapshot{
			ID:        "tick-" + string(rune('a'+i)),
			NodeID:    "node-1",
			Timestamp: ts,
			System: &model.SystemMetricsSnapshot{
				CPUUsage:    f64(float64(10 * i)),
				MemoryUsed:  1 << 30,
				MemoryTotal: 1 << 34,
				Timestamp:   ts,
				Source:      model.MetricsSourcePrimary,
			},
			Servers: []model.ServerSnapshot{
				{
					Record:  model.ServerRecord{ID: "srv", PID: &pid},
					Status:  model.StatusRunning,
					Process: &model.ProcessMetricsSnapshot{PID: pid, MemoryBytes: u64(2048), CPUPercent: f64(12.5)},
				},
				{Record: model.ServerRecord{ID: "idle"}, Status: model.StatusStopped},
			},
		}
		if err := h.RecordTick(ctx, snap); err != nil {
			t.Fatalf("record tick %d: %v", i, err)
		}
	}

	sys, err := h.RecentSystemSamples(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(sys) != 2 || sys[0].TickID != "tick-b" || sys[1].TickID != "tick-c" {
		t.Fatalf("unexpected system samples %+v", sys)
	}
	if sys[1].CPUUsage == nil || *sys[1].CPUUsage != 20 || sys[1].GPUUsage != nil {
		t.Fatalf("nullable fields not preserved: %+v", sys[1])
	}

	srv, err := h.RecentServerSamples(ctx, "srv", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(srv) != 3 || srv[2].MemoryBytes == nil || *srv[2].MemoryBytes != 2048 || *srv[2].PID != 99 {
		t.Fatalf("unexpected server samples %+v", srv)
	}
	idle, err := h.RecentServerSamples(ctx, "idle", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 3 || idle[0].CPUPercent != nil || idle[0].Status != model.StatusStopped {
		t.Fatalf("unexpected idle samples %+v", idle)
	}

	n, err := h.Prune(ctx, base.Add(1500*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	// two ticks, two system samples, four server samples
	if n != 8 {
		t.Fatalf("pruned %d rows, want 8", n)
	}
}

func TestHistoryDuplicateTickRollsBack(t *testing.T) {
	ctx := context.Background()
	h := openTestHistory(t)
	snap := model.TickSnapshot{ID: "dup", Timestamp: time.Now(), Servers: []model.ServerSnapshot{
		{Record: model.ServerRecord{ID: "srv"}, Status: model.StatusStopped},
	}}
	if err := h.RecordTick(ctx, snap); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordTick(ctx, snap); err == nil {
		t.Fatal("expected primary key violation")
	}
	samples, err := h.RecentServerSamples(ctx, "srv", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Fatalf("failed tick left partial rows: %d samples", len(samples))
	}
}

func TestHistoryRequests(t *testing.T) {
	ctx := context.Background()
	h := openTestHistory(t)
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := model.CompactLogEntry{
			ServerID:       "srv",
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			Method:         "POST",
			Endpoint:       "/v1/chat/completions",
			ClientIP:       "127.0.0.1",
			StatusCode:     200,
			UserMessage:    "hello",
			TokensIn:       i,
			TokensOut:      2 * i,
			ResponseTimeMs: 100,
		}
		if err := h.WriteEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	got, err := h.RecentRequests(ctx, "srv", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].TokensIn != 3 || got[1].TokensIn != 4 {
		t.Fatalf("unexpected requests %+v", got)
	}
	if !got[1].Timestamp.Equal(base.Add(4 * time.Minute)) {
		t.Fatalf("timestamp = %v", got[1].Timestamp)
	}
	other, err := h.RecentRequests(ctx, "other", 10)
	if err != nil || len(other) != 0 {
		t.Fatalf("expected no requests for other server, got %v %v", other, err)
	}
}
