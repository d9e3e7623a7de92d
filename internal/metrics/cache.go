// Package metrics fronts the sampling gateway with a TTL cache. Concurrent
// requests for the same result share one in-flight collection, so pollers
// never spawn more than one sampler at a time for the same data.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fleet-telemetry-agent/internal/model"
	"fleet-telemetry-agent/internal/system"
)

const (
	DefaultSystemTTL      = 4 * time.Second
	DefaultProcessTTL     = 3 * time.Second
	DefaultCollectTimeout = 10 * time.Second

	systemFlightKey = "system"
)

type SystemSampler interface {
	SampleAccelerator(ctx context.Context) (system.AcceleratorSample, error)
	SampleMemory(ctx context.Context) (system.MemoryInfo, error)
	CoreCounts(ctx context.Context) model.CoreCounts
}

type ProcessSampler interface {
	SampleProcesses(ctx context.Context, pids []int) (map[int]system.ProcessSample, error)
}

type Sampler interface {
	SystemSampler
	ProcessSampler
}

type Options struct {
	SystemTTL      time.Duration
	ProcessTTL     time.Duration
	CollectTimeout time.Duration
	Now            func() time.Time
	Instruments    *Instruments
}

type procEntry struct {
	snap    *model.ProcessMetricsSnapshot
	expires time.Time
}

type Cache struct {
	sampler        Sampler
	logger         *slog.Logger
	inst           *Instruments
	now            func() time.Time
	systemTTL      time.Duration
	processTTL     time.Duration
	collectTimeout time.Duration

	group singleflight.Group

	life     context.Context
	stop     context.CancelFunc
	flightMu sync.Mutex
	flights  map[string]*flight
	closed   bool
	inflight sync.WaitGroup

	mu       sync.Mutex
	system   *model.SystemMetricsSnapshot
	systemAt time.Time
	procs    map[int]procEntry

	coresOnce sync.Once
	cores     model.CoreCounts
}

func NewCache(sampler Sampler, logger *slog.Logger, opts Options) *Cache {
	if opts.SystemTTL <= 0 {
		opts.SystemTTL = DefaultSystemTTL
	}
	if opts.ProcessTTL <= 0 {
		opts.ProcessTTL = DefaultProcessTTL
	}
	if opts.CollectTimeout <= 0 {
		opts.CollectTimeout = DefaultCollectTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	life, stop := context.WithCancel(context.Background())
	return &Cache{
		life:           life,
		stop:           stop,
		flights:        make(map[string]*flight),
		sampler:        sampler,
		logger:         logger,
		inst:           opts.Instruments,
		now:            opts.Now,
		systemTTL:      opts.SystemTTL,
		processTTL:     opts.ProcessTTL,
		collectTimeout: opts.CollectTimeout,
		procs:          make(map[int]procEntry),
	}
}

// SystemMetrics returns the cached snapshot while it is fresh, otherwise
// joins (or starts) the single in-flight collection. The returned snapshot
// is shared and must be treated as read-only. Errors come from ctx, from a
// collection abandoned by all of its callers, or from a closed cache.
func (c *Cache) SystemMetrics(ctx context.Context) (*model.SystemMetricsSnapshot, error) {
	if snap := c.freshSystem(); snap != nil {
		c.inst.lookup("system", true)
		return snap, nil
	}
	c.inst.lookup("system", false)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	flightCtx, leave := c.join(systemFlightKey)
	defer leave()
	ch := c.group.DoChan(systemFlightKey, func() (any, error) {
		if snap := c.freshSystem(); snap != nil {
			return snap, nil
		}
		if !c.begin() {
			return nil, ErrClosed
		}
		defer c.inflight.Done()

		snap := c.collectSystem(flightCtx)
		if err := abandoned(flightCtx); err != nil {
			return nil, fmt.Errorf("system collection: %w", err)
		}
		c.mu.Lock()
		c.system = snap
		c.systemAt = c.now()
		c.mu.Unlock()
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.SystemMetricsSnapshot), nil
	}
}

func (c *Cache) freshSystem() *model.SystemMetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.system != nil && c.now().Sub(c.systemAt) < c.systemTTL {
		return c.system
	}
	return nil
}

// CoreCounts detects the core layout once and reuses it for the lifetime of
// the cache.
func (c *Cache) CoreCounts(ctx context.Context) model.CoreCounts {
	c.coresOnce.Do(func() {
		c.cores = c.sampler.CoreCounts(ctx)
	})
	return c.cores
}

func (c *Cache) collectSystem(ctx context.Context) *model.SystemMetricsSnapshot {
	start := time.Now()
	defer func() { c.inst.observeCollect(time.Since(start).Seconds()) }()

	var (
		accel    system.AcceleratorSample
		accelErr error
		mem      system.MemoryInfo
		memErr   error
	)
	var g errgroup.Group
	g.Go(func() error {
		c.inst.invoked("accelerator")
		accel, accelErr = c.sampler.SampleAccelerator(ctx)
		return nil
	})
	g.Go(func() error {
		c.inst.invoked("memory")
		mem, memErr = c.sampler.SampleMemory(ctx)
		return nil
	})
	_ = g.Wait()

	snap := &model.SystemMetricsSnapshot{Timestamp: c.now(), Source: model.MetricsSourceNone}
	if memErr == nil {
		snap.MemoryUsed = mem.UsedBytes
		snap.MemoryTotal = mem.TotalBytes
		snap.Source = model.MetricsSourceFallback
	} else {
		c.inst.failed("memory")
		c.logger.Warn("memory sampler failed", "error", memErr)
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("memory sampler unavailable: %v", memErr))
	}

	if accelErr != nil {
		c.inst.failed("accelerator")
		c.logger.Warn("accelerator sampler failed, accelerator fields left unset", "error", accelErr)
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("accelerator sampler unavailable: %v", accelErr))
		return snap
	}

	snap.Source = model.MetricsSourcePrimary
	if accel.GPUFraction != nil {
		v := *accel.GPUFraction * 100
		snap.GPUUsage = &v
	}
	if accel.PerfFraction != nil || accel.EffFraction != nil {
		v := system.WeightedCPUPercent(deref(accel.PerfFraction), deref(accel.EffFraction), c.CoreCounts(ctx))
		snap.CPUUsage = &v
	}
	snap.AcceleratorUsage = accel.PowerWatts
	snap.Temperature = accel.Temperature
	return snap
}

// BatchProcessMetrics returns per-pid metrics. All cache misses are covered
// by exactly one sampler invocation; pids missing from its output are cached
// as nil until their TTL runs out, so exited processes are not retried.
func (c *Cache) BatchProcessMetrics(ctx context.Context, pids []int) (map[int]*model.ProcessMetricsSnapshot, error) {
	now := c.now()
	result := make(map[int]*model.ProcessMetricsSnapshot, len(pids))
	var misses []int

	c.mu.Lock()
	for pid, e := range c.procs {
		if !now.Before(e.expires) {
			delete(c.procs, pid)
		}
	}
	seen := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}
		if e, ok := c.procs[pid]; ok {
			result[pid] = e.snap
			c.inst.lookup("process", true)
			continue
		}
		c.inst.lookup("process", false)
		misses = append(misses, pid)
	}
	c.mu.Unlock()

	if len(misses) == 0 {
		return result, nil
	}
	sort.Ints(misses)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := processFlightKey(misses)
	sampleCtx, leave := c.join(key)
	defer leave()
	ch := c.group.DoChan(key, func() (any, error) {
		if !c.begin() {
			return nil, ErrClosed
		}
		defer c.inflight.Done()

		c.inst.invoked("process")
		sampled, err := c.sampler.SampleProcesses(sampleCtx, misses)
		if err != nil {
			c.inst.failed("process")
			c.logger.Warn("process sampler failed", "pids", len(misses), "error", err)
		}
		if err := abandoned(sampleCtx); err != nil {
			return nil, fmt.Errorf("process collection: %w", err)
		}

		sampledAt := c.now()
		filled := make(map[int]*model.ProcessMetricsSnapshot, len(misses))
		c.mu.Lock()
		for _, pid := range misses {
			var snap *model.ProcessMetricsSnapshot
			if s, ok := sampled[pid]; ok {
				snap = &model.ProcessMetricsSnapshot{
					PID:         pid,
					MemoryBytes: s.MemoryBytes,
					CPUPercent:  s.CPUPercent,
					SampledAt:   sampledAt,
				}
			}
			filled[pid] = snap
			c.procs[pid] = procEntry{snap: snap, expires: sampledAt.Add(c.processTTL)}
		}
		c.mu.Unlock()
		return filled, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		for pid, snap := range res.Val.(map[int]*model.ProcessMetricsSnapshot) {
			result[pid] = snap
		}
		return result, nil
	}
}

func processFlightKey(pids []int) string {
	var b strings.Builder
	b.WriteString("process:")
	for i, pid := range pids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(pid))
	}
	return b.String()
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
