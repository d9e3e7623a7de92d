package system

import (
	"bufio"
	"strconv"
	"strings"
)

// ProcessSample is one parsed line of the per-process sampler.
type ProcessSample struct {
	PID         int
	MemoryBytes *uint64
	CPUPercent  *float64
}

// ParseProcessLines parses "<pid> <value><unit>" or "<pid> <cpu> <value><unit>"
// lines. Only PIDs in want are returned; header and unrelated lines are
// skipped.
func ParseProcessLines(raw string, want []int) map[int]ProcessSample {
	wanted := make(map[int]struct{}, len(want))
	for _, pid := range want {
		wanted[pid] = struct{}{}
	}
	out := make(map[int]ProcessSample, len(want))

	s := bufio.NewScanner(strings.NewReader(raw))
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		if _, ok := wanted[pid]; !ok {
			continue
		}
		sample := ProcessSample{PID: pid}
		if b, ok := parseMemoryValue(fields[len(fields)-1]); ok {
			sample.MemoryBytes = &b
		}
		if len(fields) >= 3 {
			if c, err := strconv.ParseFloat(strings.TrimSuffix(fields[1], "%"), 64); err == nil {
				sample.CPUPercent = &c
			}
		}
		out[pid] = sample
	}
	return out
}

// parseMemoryValue converts "512M", "1.5G", "900K+" into bytes. A bare
// number is taken as KiB, which is what ps reports for rss.
func parseMemoryValue(raw string) (uint64, bool) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "+-")
	if raw == "" {
		return 0, false
	}
	multiplier := float64(1024)
	switch raw[len(raw)-1] {
	case 'B', 'b':
		multiplier = 1
		raw = raw[:len(raw)-1]
	case 'K', 'k':
		raw = raw[:len(raw)-1]
	case 'M', 'm':
		multiplier = 1024 * 1024
		raw = raw[:len(raw)-1]
	case 'G', 'g':
		multiplier = 1024 * 1024 * 1024
		raw = raw[:len(raw)-1]
	case 'T', 't':
		multiplier = 1024 * 1024 * 1024 * 1024
		raw = raw[:len(raw)-1]
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return uint64(v * multiplier), true
}

func joinPIDs(pids []int) string {
	parts := make([]string, 0, len(pids))
	for _, pid := range pids {
		parts = append(parts, strconv.Itoa(pid))
	}
	return strings.Join(parts, ",")
}
