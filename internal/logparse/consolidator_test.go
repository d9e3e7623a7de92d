package logparse

import (
	"strings"
	"testing"
	"time"

	"fleet-telemetry-agent/internal/model"
)

const (
	startLine    = `[2025-01-01 10:00:00] srv log_server_r: request: POST /v1/chat/completions 127.0.0.1 200`
	requestBody  = `srv log_server_r: {"messages":[{"role":"system","content":"be nice"},{"role":"user","content":"Hello   there,\n how are you today my friend"}]}`
	responseLine = `srv log_server_r: response: {"usage":{"prompt_tokens":12,"completion_tokens":8},"timings":{"prompt_ms":50,"predicted_ms":200}}`
)

func feed(c *Consolidator, lines ...string) []model.CompactLogEntry {
	var out []model.CompactLogEntry
	for _, line := range lines {
		c.ProcessLine(line, func(e model.CompactLogEntry) { out = append(out, e) })
	}
	return out
}

func fixedNow() time.Time {
	return time.Date(2030, 6, 1, 12, 0, 0, 0, time.Local)
}

func TestConsolidatorEmitsCompactRecord(t *testing.T) {
	c := New(WithServerID("srv-1"), WithClock(fixedNow))
	got := feed(c, startLine, requestBody, responseLine)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	want := `2025-01-01 10:00:00 POST /v1/chat/completions 127.0.0.1 200 "Hello there, how are you today my friend" 12 8 250`
	if got[0].String() != want {
		t.Fatalf("unexpected line:\n got %s\nwant %s", got[0].String(), want)
	}
	if got[0].ServerID != "srv-1" {
		t.Fatalf("server id not stamped: %q", got[0].ServerID)
	}
	if st := c.State(); st.Buffering || len(st.Pending) != 0 {
		t.Fatalf("expected idle after response, got %+v", st)
	}
}

func TestConsolidatorIgnoresLinesWhileIdle(t *testing.T) {
	c := New()
	got := feed(c, "random noise", requestBody, responseLine)
	if len(got) != 0 {
		t.Fatalf("expected nothing, got %v", got)
	}
	if c.State().Buffering {
		t.Fatal("should stay idle")
	}
}

func TestConsolidatorRestartDiscardsUnterminatedRequest(t *testing.T) {
	c := New()
	second := strings.Replace(startLine, "127.0.0.1", "10.0.0.2", 1)
	got := feed(c, startLine, requestBody, second, responseLine)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].ClientIP != "10.0.0.2" {
		t.Fatalf("expected second request, got %s", got[0].ClientIP)
	}
	if got[0].UserMessage != "" {
		t.Fatalf("first request's body leaked into second: %q", got[0].UserMessage)
	}
}

func TestConsolidatorDropsMalformedGroupAndContinues(t *testing.T) {
	c := New()
	broken := `[2025-01-01 10:00:00] request: POST /v1/chat/completions 127.0.0.1 abc`
	got := feed(c, broken, responseLine)
	if len(got) != 0 {
		t.Fatalf("malformed start should not open a group, got %v", got)
	}
	got = feed(c, startLine, responseLine)
	if len(got) != 1 {
		t.Fatalf("parser did not recover, got %d entries", len(got))
	}
}

func TestConsolidatorRequestBodyMarkerDoesNotRestart(t *testing.T) {
	c := New()
	body := `srv log_server_r: request:  {"messages":[{"role":"user","content":"hi"}]}`
	got := feed(c, startLine, body, responseLine)
	if len(got) != 1 || got[0].UserMessage != "hi" {
		t.Fatalf("unexpected entries %+v", got)
	}
}

func TestConsolidatorTruncatesMessage(t *testing.T) {
	c := New()
	long := strings.Repeat("é", 60)
	body := `{"messages":[{"role":"user","content":"` + long + `"}]}`
	got := feed(c, startLine, body, responseLine)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	want := strings.Repeat("é", 50) + "..."
	if got[0].UserMessage != want {
		t.Fatalf("got %q want %q", got[0].UserMessage, want)
	}
}

func TestConsolidatorMessageFromContentParts(t *testing.T) {
	c := New()
	body := `{"messages":[{"role":"user","content":[{"type":"text","text":"describe"},{"type":"image_url"},{"type":"text","text":"this"}]}]}`
	got := feed(c, startLine, body, responseLine)
	if len(got) != 1 || got[0].UserMessage != "describe this" {
		t.Fatalf("unexpected entries %+v", got)
	}
}

func TestConsolidatorPrefersVerboseTimings(t *testing.T) {
	c := New()
	resp := `response: {"timings":{"prompt_ms":1,"predicted_ms":1},"__verbose":{"timings":{"prompt_ms":40.4,"predicted_ms":60.2,"prompt_n":5,"predicted_n":7}}}`
	got := feed(c, startLine, resp)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.ResponseTimeMs != 101 {
		t.Fatalf("response time = %d, want 101", e.ResponseTimeMs)
	}
	if e.TokensIn != 5 || e.TokensOut != 7 {
		t.Fatalf("tokens = %d/%d, want 5/7 from timings", e.TokensIn, e.TokensOut)
	}
}

func TestConsolidatorUnparseableResponseYieldsZeros(t *testing.T) {
	c := New()
	got := feed(c, startLine, requestBody, "response: {not json}")
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.TokensIn != 0 || e.TokensOut != 0 || e.ResponseTimeMs != 0 {
		t.Fatalf("expected zero counters, got %+v", e)
	}
	if e.UserMessage == "" {
		t.Fatal("message should still be extracted")
	}
}

func TestConsolidatorTimestampFallsBackToNow(t *testing.T) {
	c := New(WithClock(fixedNow))
	got := feed(c, "request: GET /health 127.0.0.1 200", responseLine)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(fixedNow()) {
		t.Fatalf("timestamp = %v", got[0].Timestamp)
	}
}

func TestConsolidatorLeadingTimestamp(t *testing.T) {
	c := New(WithClock(fixedNow))
	got := feed(c, "2025-02-03T04:05:06 request: GET /v1/models 127.0.0.1 404", responseLine)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	want := time.Date(2025, 2, 3, 4, 5, 6, 0, time.Local)
	if !got[0].Timestamp.Equal(want) || got[0].StatusCode != 404 {
		t.Fatalf("unexpected entry %+v", got[0])
	}
}

func TestFlushEmitsLoneStartLine(t *testing.T) {
	c := New()
	feed(c, startLine)
	var got []model.CompactLogEntry
	c.Flush(func(e model.CompactLogEntry) { got = append(got, e) })
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.TokensIn != 0 || e.TokensOut != 0 || e.ResponseTimeMs != 0 || e.Method != "POST" {
		t.Fatalf("unexpected flush entry %+v", e)
	}
	if c.State().Buffering {
		t.Fatal("flush should reset to idle")
	}
}

func TestFlushDiscardsMultiLineGroup(t *testing.T) {
	c := New()
	feed(c, startLine, requestBody)
	called := false
	c.Flush(func(model.CompactLogEntry) { called = true })
	if called {
		t.Fatal("multi-line group should not be flushed")
	}
	if c.State().Buffering {
		t.Fatal("flush should reset to idle")
	}
}

func TestMaxPendingAbandonsRequest(t *testing.T) {
	c := New(WithMaxPending(2))
	feed(c, startLine, "a", "b")
	if c.State().Buffering {
		t.Fatal("expected buffer to be abandoned")
	}
}

func TestParseCompactLineRoundTrip(t *testing.T) {
	c := New()
	got := feed(c, startLine, requestBody, responseLine)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	line := got[0].String()
	parsed, err := ParseCompactLine(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.String() != line {
		t.Fatalf("round trip mismatch:\n got %s\nwant %s", parsed.String(), line)
	}
}

func TestParseCompactLineQuotedMessage(t *testing.T) {
	line := `2025-01-01 10:00:00 POST /v1/completions 127.0.0.1 500 "say \"hi\" 1 2 3" 4 5 6`
	e, err := ParseCompactLine(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.UserMessage != `say "hi" 1 2 3` || e.TokensIn != 4 || e.ResponseTimeMs != 6 || e.StatusCode != 500 {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestParseCompactLineRejectsGarbage(t *testing.T) {
	for _, line := range []string{
		"",
		"not a timestamp at all, nope",
		`2025-01-01 10:00:00 POST /x 127.0.0.1 200 no-quote 1 2 3`,
		`2025-01-01 10:00:00 POST /x 127.0.0.1 200 "msg" 1 2`,
	} {
		if _, err := ParseCompactLine(line); err == nil {
			t.Errorf("expected error for %q", line)
		}
	}
}
