package logparse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleet-telemetry-agent/internal/model"
)

var ErrMalformedCompactLine = errors.New("malformed compact log line")

// ParseCompactLine reads back a line produced by CompactLogEntry.String.
func ParseCompactLine(line string) (model.CompactLogEntry, error) {
	line = strings.TrimSpace(line)
	layoutLen := len(model.CompactTimeLayout)
	if len(line) < layoutLen {
		return model.CompactLogEntry{}, ErrMalformedCompactLine
	}
	ts, err := time.ParseInLocation(model.CompactTimeLayout, line[:layoutLen], time.Local)
	if err != nil {
		return model.CompactLogEntry{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedCompactLine, err)
	}

	rest := line[layoutLen:]
	quoteAt := strings.IndexByte(rest, '"')
	if quoteAt < 0 {
		return model.CompactLogEntry{}, fmt.Errorf("%w: missing message", ErrMalformedCompactLine)
	}
	head := strings.Fields(rest[:quoteAt])
	if len(head) != 4 {
		return model.CompactLogEntry{}, fmt.Errorf("%w: request fields", ErrMalformedCompactLine)
	}
	status, err := strconv.Atoi(head[3])
	if err != nil {
		return model.CompactLogEntry{}, fmt.Errorf("%w: status: %v", ErrMalformedCompactLine, err)
	}

	quoted, err := strconv.QuotedPrefix(rest[quoteAt:])
	if err != nil {
		return model.CompactLogEntry{}, fmt.Errorf("%w: message: %v", ErrMalformedCompactLine, err)
	}
	message, err := strconv.Unquote(quoted)
	if err != nil {
		return model.CompactLogEntry{}, fmt.Errorf("%w: message: %v", ErrMalformedCompactLine, err)
	}

	tail := strings.Fields(rest[quoteAt+len(quoted):])
	if len(tail) != 3 {
		return model.CompactLogEntry{}, fmt.Errorf("%w: counters", ErrMalformedCompactLine)
	}
	counters := make([]int, 3)
	for i, field := range tail {
		v, err := strconv.Atoi(field)
		if err != nil {
			return model.CompactLogEntry{}, fmt.Errorf("%w: counter %q", ErrMalformedCompactLine, field)
		}
		counters[i] = v
	}

	return model.CompactLogEntry{
		Timestamp:      ts,
		Method:         head[0],
		Endpoint:       head[1],
		ClientIP:       head[2],
		StatusCode:     status,
		UserMessage:    message,
		TokensIn:       counters[0],
		TokensOut:      counters[1],
		ResponseTimeMs: counters[2],
	}, nil
}
