// Package extractor turns raw log messages into parsed JSON documents by
// applying a per-source regex and repairing the usual damage log transports
// inflict on embedded JSON (shortest-match truncation, one or two rounds of
// escaping).
package extractor

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TimestampKey is the reserved document key carrying a separately captured
// timestamp string through to the field mapper.
const TimestampKey = "_extractedTimestamp"

// Document is the parsed JSON payload of one log record plus the optional
// side-channel timestamp captured alongside it.
type Document struct {
	JSON      []byte
	Timestamp string
}

// Extract applies pattern to raw and returns the parsed document.
//
// Capture-group policy: with two or more groups, group 1 is a timestamp
// string and group 2 the JSON payload; with exactly one group, that group is
// the payload; with none, the whole match is. A false return means no match
// or unparseable JSON and is counted by the caller as a per-record failure.
func Extract(raw string, pattern *regexp.Regexp) (Document, bool) {
	idx := pattern.FindStringSubmatchIndex(raw)
	if idx == nil {
		return Document{}, false
	}

	var timestamp string
	payloadStart, payloadEnd := idx[0], idx[1]
	switch {
	case pattern.NumSubexp() >= 2:
		if idx[2] >= 0 {
			timestamp = raw[idx[2]:idx[3]]
		}
		payloadStart, payloadEnd = idx[4], idx[5]
	case pattern.NumSubexp() == 1:
		payloadStart, payloadEnd = idx[2], idx[3]
	}
	if payloadStart < 0 {
		return Document{}, false
	}
	payload := raw[payloadStart:payloadEnd]

	// A shortest-match capture like `\{[\s\S]*?\}` stops at the first
	// closing brace. Re-scan the original text from the payload offset for
	// the actual balance point.
	if strings.HasPrefix(payload, "{") {
		if span, ok := balancedSpan(raw, payloadStart); ok {
			payload = span
		}
	} else if strings.HasPrefix(payload, `\{`) {
		if span, ok := balancedSpan(raw, payloadStart+1); ok {
			payload = span
		}
	}

	parsed, ok := parseWithFallback(payload)
	if !ok {
		return Document{}, false
	}
	if timestamp != "" && gjson.ParseBytes(parsed).IsObject() {
		if withTS, err := sjson.SetBytes(parsed, escapePathKey(TimestampKey), timestamp); err == nil {
			parsed = withTS
		}
	}
	return Document{JSON: parsed, Timestamp: timestamp}, true
}

// balancedSpan scans text from start for the first point where open and
// close brace counts balance, tracking string-quote and backslash-escape
// state so a brace inside a quoted value is not counted.
func balancedSpan(text string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// parseWithFallback validates the payload as JSON, unescaping up to two
// levels deep. Logs arrive escaped zero, one, or two times depending on how
// many serializers they passed through upstream; three or more levels are
// deliberately not guessed at.
func parseWithFallback(payload string) ([]byte, bool) {
	if gjson.Valid(payload) {
		return []byte(payload), true
	}
	once := strings.ReplaceAll(payload, `\"`, `"`)
	if gjson.Valid(once) {
		return []byte(once), true
	}
	twice := strings.ReplaceAll(payload, `\\`, `\`)
	twice = strings.ReplaceAll(twice, `\"`, `"`)
	if gjson.Valid(twice) {
		return []byte(twice), true
	}
	return nil, false
}

// escapePathKey makes a literal key safe for use as a gjson/sjson path.
func escapePathKey(key string) string {
	key = strings.ReplaceAll(key, ".", `\.`)
	return strings.ReplaceAll(key, "*", `\*`)
}
