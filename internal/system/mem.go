package system

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const DefaultPageSize uint64 = 16384

type MemoryInfo struct {
	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
	PageSize   uint64
}

var pageSizeRe = regexp.MustCompile(`page size of (\d+) bytes`)

// ParsePageCounters reads page-counter output ("Pages <name>: <n>.") and
// converts it to byte totals. The page size comes from the header when
// present, otherwise fallbackPageSize is used.
func ParsePageCounters(raw string, fallbackPageSize uint64) (MemoryInfo, error) {
	pageSize := fallbackPageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	pages := map[string]uint64{}

	s := bufio.NewScanner(strings.NewReader(raw))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if m := pageSizeRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseUint(m[1], 10, 64); err == nil && v > 0 {
				pageSize = v
			}
			continue
		}
		if !strings.HasPrefix(line, "Pages ") {
			continue
		}
		name, value, ok := strings.Cut(strings.TrimPrefix(line, "Pages "), ":")
		if !ok {
			continue
		}
		v, convErr := strconv.ParseUint(strings.TrimSuffix(strings.TrimSpace(value), "."), 10, 64)
		if convErr != nil {
			continue
		}
		pages[strings.ToLower(strings.TrimSpace(name))] = v
	}
	if err := s.Err(); err != nil {
		return MemoryInfo{}, fmt.Errorf("scan page counters: %w", err)
	}
	if len(pages) == 0 {
		return MemoryInfo{}, fmt.Errorf("no page counters found")
	}

	free := pages["free"] + pages["speculative"]
	used := pages["active"] + pages["wired down"] + pages["occupied by compressor"]
	total := free + used + pages["inactive"] + pages["throttled"]
	return MemoryInfo{
		TotalBytes: total * pageSize,
		UsedBytes:  used * pageSize,
		FreeBytes:  free * pageSize,
		PageSize:   pageSize,
	}, nil
}
