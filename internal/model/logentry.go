package model

import (
	"fmt"
	"time"
)

const CompactTimeLayout = "2006-01-02 15:04:05"

// CompactLogEntry is one completed request condensed from server logs.
type CompactLogEntry struct {
	ServerID       string    `json:"server_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	Endpoint       string    `json:"endpoint"`
	ClientIP       string    `json:"client_ip"`
	StatusCode     int       `json:"status_code"`
	UserMessage    string    `json:"user_message"`
	TokensIn       int       `json:"tokens_in"`
	TokensOut      int       `json:"tokens_out"`
	ResponseTimeMs int       `json:"response_time_ms"`
}

// String renders the single-line compact form:
//
//	timestamp method path clientIp statusCode "message" tokensIn tokensOut responseTimeMs
func (e CompactLogEntry) String() string {
	return fmt.Sprintf("%s %s %s %s %d %q %d %d %d",
		e.Timestamp.Format(CompactTimeLayout),
		e.Method,
		e.Endpoint,
		e.ClientIP,
		e.StatusCode,
		e.UserMessage,
		e.TokensIn,
		e.TokensOut,
		e.ResponseTimeMs,
	)
}
