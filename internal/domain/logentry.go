package domain

import (
	"regexp"
	"strconv"
	"time"
)

// TimestampLayout is the wire format of LogEntry.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05-07:00"

// Zone is the fixed UTC+07:00 offset every generated timestamp is rendered in.
var Zone = time.FixedZone("UTC+7", 7*60*60)

var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}[+-]\d{2}:\d{2}$`)

// LogEntry is a single persisted log record.
type LogEntry struct {
	ID        string `json:"id"`
	Data      any    `json:"data"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Now returns the current time formatted as a LogEntry timestamp.
func Now() string {
	return FormatTimestamp(time.Now())
}

// FormatTimestamp renders t in Zone with second precision.
func FormatTimestamp(t time.Time) string {
	return t.In(Zone).Format(TimestampLayout)
}

// ValidTimestamp reports whether s has the YYYY-MM-DDTHH:mm:ss±HH:mm shape.
func ValidTimestamp(s string) bool {
	if !timestampPattern.MatchString(s) {
		return false
	}
	_, err := time.Parse(TimestampLayout, s)
	return err == nil
}

// IntID converts a numeric identifier into the textual form stored by backends.
func IntID(n int64) string {
	return strconv.FormatInt(n, 10)
}

// WithDefaults returns a copy of e with an empty Timestamp replaced by Now.
func (e LogEntry) WithDefaults() LogEntry {
	if e.Timestamp == "" {
		e.Timestamp = Now()
	}
	return e
}

// MergeData overlays next onto prev when both are JSON objects.
// Any other combination yields next unchanged.
func MergeData(prev, next any) any {
	p, ok := prev.(map[string]any)
	if !ok {
		return next
	}
	n, ok := next.(map[string]any)
	if !ok {
		return next
	}
	out := make(map[string]any, len(p)+len(n))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range n {
		out[k] = v
	}
	return out
}
