// Package analyzer replays or tails a mesh node log and turns it into the
// same UI refresh events the simulator produces.
package analyzer

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	timestampPattern = regexp.MustCompile(`^\s*(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?)(Z|[+-]\d{2}:?\d{2})?`)
	nodeIDPattern    = regexp.MustCompile(`\[(\d+)\]`)
	levelPattern     = regexp.MustCompile(`\b(ERROR|WARN|INFO|DEBUG|TRACE)\b`)
)

// RawLine is the generic view of one log line.
type RawLine struct {
	Timestamp    time.Time
	HasTimestamp bool
	NodeID       uint32
	HasNodeID    bool
	Level        string
	// Content is the text after the node id bracket, or the whole line
	// when there is none.
	Content string
}

// ParseRawLine extracts the timestamp, the first bracketed node id, the log
// level and the content of line. Missing parts are reported through the
// Has* flags; it never fails.
func ParseRawLine(line string) RawLine {
	var out RawLine
	rest := line

	if m := timestampPattern.FindStringSubmatchIndex(line); m != nil {
		stamp := line[m[2]:m[3]]
		zone := ""
		if m[4] >= 0 {
			zone = line[m[4]:m[5]]
		}
		if ts, ok := parseTimestamp(stamp, zone); ok {
			out.Timestamp = ts
			out.HasTimestamp = true
			rest = line[m[1]:]
		}
	}

	if m := levelPattern.FindStringSubmatch(rest); m != nil {
		out.Level = m[1]
	}

	if m := nodeIDPattern.FindStringSubmatchIndex(rest); m != nil {
		if id, err := strconv.ParseUint(rest[m[2]:m[3]], 10, 32); err == nil {
			out.NodeID = uint32(id)
			out.HasNodeID = true
			out.Content = strings.TrimSpace(rest[m[1]:])
			return out
		}
	}
	out.Content = strings.TrimSpace(strings.TrimLeft(rest, ":"))
	return out
}

func parseTimestamp(stamp, zone string) (time.Time, bool) {
	stamp = strings.Replace(stamp, " ", "T", 1)
	stamp = strings.Replace(stamp, ",", ".", 1)
	switch {
	case zone == "" || zone == "Z":
		ts, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", stamp, time.UTC)
		return ts, err == nil
	case len(zone) == 5:
		// +HHMM
		zone = zone[:3] + ":" + zone[3:]
	}
	ts, err := time.Parse(time.RFC3339Nano, stamp+zone)
	return ts, err == nil
}
