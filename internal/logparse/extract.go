package logparse

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"fleet-telemetry-agent/internal/model"
)

var (
	bracketTimeRe = regexp.MustCompile(`^\s*\[(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2})`)
	leadingTimeRe = regexp.MustCompile(`^\s*(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2})`)
)

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type requestPayload struct {
	Messages []chatMessage `json:"messages"`
}

type timings struct {
	PromptN     *float64 `json:"prompt_n"`
	PredictedN  *float64 `json:"predicted_n"`
	PromptMs    *float64 `json:"prompt_ms"`
	PredictedMs *float64 `json:"predicted_ms"`
}

type usage struct {
	PromptTokens     *float64 `json:"prompt_tokens"`
	CompletionTokens *float64 `json:"completion_tokens"`
}

type responsePayload struct {
	Usage   *usage   `json:"usage"`
	Timings *timings `json:"timings"`
	Verbose *struct {
		Usage   *usage   `json:"usage"`
		Timings *timings `json:"timings"`
	} `json:"__verbose"`
}

// consolidate turns a complete group (start line ... response line) into an
// entry. The request tuple on the first line is required; everything else
// degrades to empty or zero.
func consolidate(group []string, now func() time.Time) (model.CompactLogEntry, bool) {
	if len(group) < 2 {
		return model.CompactLogEntry{}, false
	}
	entry, ok := consolidateRequestLine(group[0], now)
	if !ok {
		return model.CompactLogEntry{}, false
	}
	requestPart := group[:len(group)-1]
	entry.UserMessage = firstUserMessage(requestPart)

	resp := parseResponse(group[len(group)-1])
	entry.TokensIn, entry.TokensOut = resp.tokens()
	entry.ResponseTimeMs = resp.elapsedMs()
	return entry, true
}

func consolidateRequestLine(line string, now func() time.Time) (model.CompactLogEntry, bool) {
	m := requestStartRe.FindStringSubmatch(line)
	if m == nil {
		return model.CompactLogEntry{}, false
	}
	status, err := strconv.Atoi(m[4])
	if err != nil {
		return model.CompactLogEntry{}, false
	}
	return model.CompactLogEntry{
		Timestamp:  parseTimestamp(line, now),
		Method:     m[1],
		Endpoint:   m[2],
		ClientIP:   m[3],
		StatusCode: status,
	}, true
}

func parseTimestamp(line string, now func() time.Time) time.Time {
	for _, re := range []*regexp.Regexp{bracketTimeRe, leadingTimeRe} {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		raw := strings.Replace(m[1], "T", " ", 1)
		if ts, err := time.ParseInLocation(model.CompactTimeLayout, raw, time.Local); err == nil {
			return ts
		}
	}
	return now()
}

// jsonObject returns the span from the first '{' to the last '}'.
func jsonObject(line string) (string, bool) {
	start := strings.IndexByte(line, '{')
	end := strings.LastIndexByte(line, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return line[start : end+1], true
}

func firstUserMessage(lines []string) string {
	for _, line := range lines {
		obj, ok := jsonObject(line)
		if !ok {
			continue
		}
		var p requestPayload
		if err := json.Unmarshal([]byte(obj), &p); err != nil {
			continue
		}
		for _, msg := range p.Messages {
			if msg.Role != "user" {
				continue
			}
			return truncate(collapse(messageText(msg.Content)), messageMaxRunes)
		}
	}
	return ""
}

// messageText accepts plain string content or an array of typed parts.
func messageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, " ")
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to maxRunes runes and appends "..." when it was longer.
func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "..."
}

func parseResponse(line string) responsePayload {
	var p responsePayload
	obj, ok := jsonObject(line)
	if !ok {
		return p
	}
	if err := json.Unmarshal([]byte(obj), &p); err != nil {
		return responsePayload{}
	}
	return p
}

func (p responsePayload) timings() *timings {
	if p.Verbose != nil && p.Verbose.Timings != nil {
		return p.Verbose.Timings
	}
	return p.Timings
}

func (p responsePayload) tokens() (int, int) {
	u := p.Usage
	if u == nil && p.Verbose != nil {
		u = p.Verbose.Usage
	}
	if u != nil && (u.PromptTokens != nil || u.CompletionTokens != nil) {
		return toInt(u.PromptTokens), toInt(u.CompletionTokens)
	}
	if t := p.timings(); t != nil {
		return toInt(t.PromptN), toInt(t.PredictedN)
	}
	return 0, 0
}

func (p responsePayload) elapsedMs() int {
	t := p.timings()
	if t == nil {
		return 0
	}
	var total float64
	if t.PromptMs != nil {
		total += *t.PromptMs
	}
	if t.PredictedMs != nil {
		total += *t.PredictedMs
	}
	return toInt(&total)
}

func toInt(v *float64) int {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return 0
	}
	return int(math.Round(*v))
}
