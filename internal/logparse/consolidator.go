// Package logparse condenses verbose per-request server logs into one
// compact record per completed request.
//
// The parser is a two-state machine. A request-start line begins buffering
// (discarding any unterminated buffer), every following line is appended,
// and a response line closes the group, which is then consolidated and
// emitted. Groups that cannot be consolidated are dropped without affecting
// later parsing. A Consolidator is not safe for concurrent use and must be
// dedicated to a single stream.
package logparse

import (
	"regexp"
	"strings"
	"time"

	"fleet-telemetry-agent/internal/model"
)

const (
	DefaultMaxPending = 4096
	messageMaxRunes   = 50
)

var (
	requestStartRe = regexp.MustCompile(`request:\s+(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+(\S+)\s+(\S+)\s+(\d{3})\b`)
	responseMarker = "response:"
)

// Emit receives each completed record synchronously.
type Emit func(model.CompactLogEntry)

type BufferState struct {
	Buffering bool
	Pending   []string
}

type Consolidator struct {
	serverID   string
	now        func() time.Time
	maxPending int

	buffering bool
	pending   []string
}

type Option func(*Consolidator)

func WithServerID(id string) Option {
	return func(c *Consolidator) { c.serverID = id }
}

func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) { c.now = now }
}

// WithMaxPending bounds how many lines an unterminated request may buffer
// before it is abandoned.
func WithMaxPending(n int) Option {
	return func(c *Consolidator) {
		if n > 0 {
			c.maxPending = n
		}
	}
}

func New(opts ...Option) *Consolidator {
	c := &Consolidator{now: time.Now, maxPending: DefaultMaxPending}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func IsRequestStart(line string) bool {
	return requestStartRe.MatchString(line)
}

func IsResponse(line string) bool {
	return strings.Contains(line, responseMarker)
}

// ProcessLine feeds one line. emit is called at most once per call.
func (c *Consolidator) ProcessLine(line string, emit Emit) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case IsRequestStart(line):
		c.buffering = true
		c.pending = append(c.pending[:0], line)
	case !c.buffering:
		return
	case IsResponse(line):
		group := append(c.pending, line)
		c.reset()
		if entry, ok := consolidate(group, c.now); ok {
			entry.ServerID = c.serverID
			emit(entry)
		}
	default:
		if len(c.pending) >= c.maxPending {
			c.reset()
			return
		}
		c.pending = append(c.pending, line)
	}
}

// Flush drains a stream that ended mid-request. Only a lone start line is
// emitted, as a best-effort record with zero tokens and time; anything else
// buffered is discarded.
func (c *Consolidator) Flush(emit Emit) {
	if !c.buffering {
		return
	}
	group := c.pending
	c.reset()
	if len(group) != 1 {
		return
	}
	entry, ok := consolidateRequestLine(group[0], c.now)
	if !ok {
		return
	}
	entry.ServerID = c.serverID
	emit(entry)
}

func (c *Consolidator) State() BufferState {
	return BufferState{Buffering: c.buffering, Pending: append([]string(nil), c.pending...)}
}

func (c *Consolidator) reset() {
	c.buffering = false
	c.pending = nil
}
