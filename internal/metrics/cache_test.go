package metrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"fleet-telemetry-agent/internal/model"
	"fleet-telemetry-agent/internal/system"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeSampler struct {
	accelCalls atomic.Int32
	memCalls   atomic.Int32
	procCalls  atomic.Int32
	coreCalls  atomic.Int32

	gate     chan struct{}
	accel    system.AcceleratorSample
	accelErr error
	memErr   error
	procs    map[int]system.ProcessSample
	lastPIDs []int
	mu       sync.Mutex
}

func f64(v float64) *float64 { return &v }
func u64(v uint64) *uint64   { return &v }

func (f *fakeSampler) SampleAccelerator(ctx context.Context) (system.AcceleratorSample, error) {
	f.accelCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.accel, f.accelErr
}

func (f *fakeSampler) SampleMemory(context.Context) (system.MemoryInfo, error) {
	f.memCalls.Add(1)
	if f.memErr != nil {
		return system.MemoryInfo{}, f.memErr
	}
	return system.MemoryInfo{UsedBytes: 6 << 30, TotalBytes: 16 << 30}, nil
}

func (f *fakeSampler) CoreCounts(context.Context) model.CoreCounts {
	f.coreCalls.Add(1)
	return model.CoreCounts{Performance: 4, Efficiency: 4, Source: "test"}
}

func (f *fakeSampler) SampleProcesses(_ context.Context, pids []int) (map[int]system.ProcessSample, error) {
	f.procCalls.Add(1)
	f.mu.Lock()
	f.lastPIDs = append([]int(nil), pids...)
	f.mu.Unlock()
	out := map[int]system.ProcessSample{}
	for _, pid := range pids {
		if s, ok := f.procs[pid]; ok {
			out[pid] = s
		}
	}
	return out, nil
}

func newTestCache(s *fakeSampler, clk *fakeClock) *Cache {
	return NewCache(s, nil, Options{Now: clk.Now})
}

func primarySample() system.AcceleratorSample {
	return system.AcceleratorSample{
		GPUFraction:  f64(0.25),
		PerfFraction: f64(0.8),
		EffFraction:  f64(0.2),
		PowerWatts:   f64(2.5),
		Temperature:  f64(41),
	}
}

func TestSystemMetricsSingleFlight(t *testing.T) {
	s := &fakeSampler{gate: make(chan struct{}), accel: primarySample()}
	c := newTestCache(s, &fakeClock{now: time.Unix(1000, 0)})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*model.SystemMetricsSnapshot, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := c.SystemMetrics(context.Background())
			if err != nil {
				t.Errorf("SystemMetrics: %v", err)
				return
			}
			results[i] = snap
		}(i)
	}

	deadline := time.After(2 * time.Second)
	for s.accelCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("sampler never invoked")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	// Let stragglers pile onto the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(s.gate)
	wg.Wait()

	if got := s.accelCalls.Load(); got != 1 {
		t.Fatalf("accelerator invocations = %d, want 1", got)
	}
	if got := s.memCalls.Load(); got != 1 {
		t.Fatalf("memory invocations = %d, want 1", got)
	}
	for i, r := range results {
		if r != results[0] {
			t.Fatalf("caller %d received a different snapshot", i)
		}
	}
}

func TestSystemMetricsTTL(t *testing.T) {
	s := &fakeSampler{accel: primarySample()}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := newTestCache(s, clk)
	ctx := context.Background()

	first, _ := c.SystemMetrics(ctx)
	clk.Advance(3 * time.Second)
	second, _ := c.SystemMetrics(ctx)
	if first != second || s.accelCalls.Load() != 1 {
		t.Fatalf("expected cached snapshot within TTL, calls=%d", s.accelCalls.Load())
	}

	clk.Advance(2 * time.Second)
	third, _ := c.SystemMetrics(ctx)
	if third == first || s.accelCalls.Load() != 2 {
		t.Fatalf("expected fresh collection after TTL, calls=%d", s.accelCalls.Load())
	}
	if s.coreCalls.Load() != 1 {
		t.Fatalf("core counts detected %d times, want once", s.coreCalls.Load())
	}
}

func TestSystemMetricsPrimaryFields(t *testing.T) {
	s := &fakeSampler{accel: primarySample()}
	c := newTestCache(s, &fakeClock{now: time.Unix(1000, 0)})
	snap, err := c.SystemMetrics(context.Background())
	if err != nil {
		t.Fatalf("SystemMetrics: %v", err)
	}
	if snap.Source != model.MetricsSourcePrimary {
		t.Fatalf("source = %s, want primary", snap.Source)
	}
	if snap.CPUUsage == nil || *snap.CPUUsage != 50 {
		t.Fatalf("cpu usage = %v, want 50", snap.CPUUsage)
	}
	if snap.GPUUsage == nil || *snap.GPUUsage != 25 {
		t.Fatalf("gpu usage = %v, want 25", snap.GPUUsage)
	}
	if snap.MemoryTotal != 16<<30 || snap.MemoryUsed != 6<<30 {
		t.Fatalf("memory = %d/%d", snap.MemoryUsed, snap.MemoryTotal)
	}
	if len(snap.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", snap.Warnings)
	}
}

func TestSystemMetricsFallbackLeavesAcceleratorUnset(t *testing.T) {
	s := &fakeSampler{accelErr: system.ErrSamplerTimeout}
	c := newTestCache(s, &fakeClock{now: time.Unix(1000, 0)})
	snap, err := c.SystemMetrics(context.Background())
	if err != nil {
		t.Fatalf("SystemMetrics: %v", err)
	}
	if snap.Source != model.MetricsSourceFallback {
		t.Fatalf("source = %s, want fallback", snap.Source)
	}
	if snap.GPUUsage != nil || snap.CPUUsage != nil || snap.AcceleratorUsage != nil || snap.Temperature != nil {
		t.Fatalf("accelerator fields must stay nil: %+v", snap)
	}
	if snap.MemoryTotal == 0 {
		t.Fatal("memory should still be reported from the fallback sampler")
	}
	if len(snap.Warnings) != 1 {
		t.Fatalf("warnings = %v, want one", snap.Warnings)
	}
}

func TestSystemMetricsNoSource(t *testing.T) {
	s := &fakeSampler{accelErr: errors.New("missing"), memErr: errors.New("missing")}
	c := newTestCache(s, &fakeClock{now: time.Unix(1000, 0)})
	snap, _ := c.SystemMetrics(context.Background())
	if snap.Source != model.MetricsSourceNone || len(snap.Warnings) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSystemMetricsCallerCancel(t *testing.T) {
	s := &fakeSampler{gate: make(chan struct{}), accel: primarySample()}
	c := newTestCache(s, &fakeClock{now: time.Unix(1000, 0)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.SystemMetrics(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(s.gate)
}

func TestBatchProcessMetricsOneInvocation(t *testing.T) {
	s := &fakeSampler{procs: map[int]system.ProcessSample{
		11: {PID: 11, MemoryBytes: u64(100), CPUPercent: f64(1)},
		22: {PID: 22, MemoryBytes: u64(200)},
	}}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := newTestCache(s, clk)
	ctx := context.Background()

	got, err := c.BatchProcessMetrics(ctx, []int{22, 11, 33, 11, 0})
	if err != nil {
		t.Fatalf("BatchProcessMetrics: %v", err)
	}
	if s.procCalls.Load() != 1 {
		t.Fatalf("sampler invocations = %d, want 1", s.procCalls.Load())
	}
	if len(s.lastPIDs) != 3 {
		t.Fatalf("sampled pids = %v, want 3 unique", s.lastPIDs)
	}
	if got[11] == nil || *got[11].MemoryBytes != 100 {
		t.Fatalf("pid 11 = %+v", got[11])
	}
	if snap, ok := got[33]; !ok || snap != nil {
		t.Fatalf("pid 33 should be present and nil, got %v (present=%v)", snap, ok)
	}

	// Absent pid is not retried inside the TTL.
	if _, err := c.BatchProcessMetrics(ctx, []int{11, 22, 33}); err != nil {
		t.Fatal(err)
	}
	if s.procCalls.Load() != 1 {
		t.Fatalf("cached lookups triggered sampler: %d", s.procCalls.Load())
	}

	clk.Advance(DefaultProcessTTL)
	if _, err := c.BatchProcessMetrics(ctx, []int{33}); err != nil {
		t.Fatal(err)
	}
	if s.procCalls.Load() != 2 {
		t.Fatalf("expired entry should be resampled, calls=%d", s.procCalls.Load())
	}
}

func TestBatchProcessMetricsEmpty(t *testing.T) {
	s := &fakeSampler{}
	c := newTestCache(s, &fakeClock{now: time.Unix(1000, 0)})
	got, err := c.BatchProcessMetrics(context.Background(), nil)
	if err != nil || len(got) != 0 || s.procCalls.Load() != 0 {
		t.Fatalf("got=%v err=%v calls=%d", got, err, s.procCalls.Load())
	}
}

func TestInstrumentsCountInvocations(t *testing.T) {
	reg := prometheus.NewRegistry()
	in := NewInstruments(reg)
	s := &fakeSampler{accel: primarySample()}
	c := NewCache(s, nil, Options{Now: (&fakeClock{now: time.Unix(1000, 0)}).Now, Instruments: in})

	for i := 0; i < 3; i++ {
		if _, err := c.SystemMetrics(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := testutil.ToFloat64(in.SamplerInvocations.WithLabelValues("accelerator")); got != 1 {
		t.Fatalf("accelerator invocations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(in.CacheLookups.WithLabelValues("system", "hit")); got != 2 {
		t.Fatalf("system hits = %v, want 2", got)
	}
}

// blockingSampler holds SampleAccelerator until released or until its ctx
// is cancelled, and reports which one happened.
type blockingSampler struct {
	fakeSampler
	started chan struct{}
	release chan struct{}
	stopped chan error
}

func newBlockingSampler() *blockingSampler {
	return &blockingSampler{
		fakeSampler: fakeSampler{accel: primarySample()},
		started:     make(chan struct{}, 16),
		release:     make(chan struct{}),
		stopped:     make(chan error, 16),
	}
}

func (b *blockingSampler) SampleAccelerator(ctx context.Context) (system.AcceleratorSample, error) {
	b.accelCalls.Add(1)
	b.started <- struct{}{}
	select {
	case <-ctx.Done():
		b.stopped <- ctx.Err()
		return system.AcceleratorSample{}, ctx.Err()
	case <-b.release:
		return b.accel, nil
	}
}

func waitStarted(t *testing.T, b *blockingSampler) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sampler never started")
	}
}

func waitStopped(t *testing.T, b *blockingSampler) {
	t.Helper()
	select {
	case err := <-b.stopped:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("sampler stopped with %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sampler still running after its collection was cancelled")
	}
}

func TestSystemMetricsLastCallerCancelStopsSampler(t *testing.T) {
	b := newBlockingSampler()
	c := NewCache(b, nil, Options{Now: (&fakeClock{now: time.Unix(1000, 0)}).Now, CollectTimeout: time.Minute})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.SystemMetrics(ctx)
		errCh <- err
	}()
	waitStarted(t, b)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("SystemMetrics err = %v, want context.Canceled", err)
	}
	waitStopped(t, b)

	// The abandoned collection must not populate the cache.
	if snap := c.freshSystem(); snap != nil {
		t.Fatalf("abandoned collection cached: %+v", snap)
	}
}

func TestSystemMetricsOneCallerCancelKeepsSharedCollection(t *testing.T) {
	b := newBlockingSampler()
	c := NewCache(b, nil, Options{Now: (&fakeClock{now: time.Unix(1000, 0)}).Now, CollectTimeout: time.Minute})
	defer c.Close()

	stay := make(chan *model.SystemMetricsSnapshot, 1)
	go func() {
		snap, err := c.SystemMetrics(context.Background())
		if err != nil {
			t.Errorf("staying caller: %v", err)
		}
		stay <- snap
	}()
	waitStarted(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	left := make(chan error, 1)
	go func() {
		_, err := c.SystemMetrics(ctx)
		left <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-left; !errors.Is(err, context.Canceled) {
		t.Fatalf("leaving caller err = %v", err)
	}

	close(b.release)
	snap := <-stay
	if snap == nil || snap.Source != model.MetricsSourcePrimary {
		t.Fatalf("snapshot = %+v", snap)
	}
	if got := b.accelCalls.Load(); got != 1 {
		t.Fatalf("accelerator invocations = %d, want 1", got)
	}
	select {
	case err := <-b.stopped:
		t.Fatalf("shared collection cancelled: %v", err)
	default:
	}
}

func TestCloseCancelsInFlightCollection(t *testing.T) {
	b := newBlockingSampler()
	c := NewCache(b, nil, Options{Now: (&fakeClock{now: time.Unix(1000, 0)}).Now, CollectTimeout: time.Minute})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SystemMetrics(context.Background())
		errCh <- err
	}()
	waitStarted(t, b)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	waitStopped(t, b)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the collection stopped")
	}

	if err := <-errCh; err == nil {
		t.Fatal("in-flight caller got a snapshot from a closed cache")
	}
	if _, err := c.SystemMetrics(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("after Close err = %v, want ErrClosed", err)
	}
	if _, err := c.BatchProcessMetrics(context.Background(), []int{42}); !errors.Is(err, ErrClosed) {
		t.Fatalf("process after Close err = %v, want ErrClosed", err)
	}
}
