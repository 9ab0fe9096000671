package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

var (
	errNoObject   = errors.New("no JSON object in reply")
	errUnfinished = errors.New("unterminated JSON object in reply")
)

// quotes tracks whether a byte scan is inside a JSON string
type quotes struct{ inString, escaped bool }

// next consumes ch and reports whether it is structural, i.e. outside any
// string and not a quote itself.
func (q *quotes) next(ch byte) bool {
	switch {
	case q.escaped:
		q.escaped = false
		return false
	case q.inString && ch == '\\':
		q.escaped = true
		return false
	case ch == '"':
		q.inString = !q.inString
		return false
	}
	return !q.inString
}

// ExtractJSONObject returns the first balanced JSON object in a model reply,
// looking inside a markdown fence when there is one.
func ExtractJSONObject(reply string) (string, error) {
	if m := fencedBlock.FindStringSubmatch(reply); m != nil {
		reply = m[1]
	}

	start := strings.IndexByte(reply, '{')
	if start < 0 {
		return "", errNoObject
	}
	var q quotes
	depth := 0
	for i := start; i < len(reply); i++ {
		if !q.next(reply[i]) {
			continue
		}
		switch reply[i] {
		case '{':
			depth++
		case '}':
			if depth--; depth == 0 {
				return reply[start : i+1], nil
			}
		}
	}
	return "", errUnfinished
}

// DecodeJSONObject unmarshals the object in reply into v. An object that does
// not parse as-is gets one pass of RepairJSON before giving up.
func DecodeJSONObject(reply string, v any) error {
	raw, err := ExtractJSONObject(reply)
	if err != nil {
		return err
	}
	err = json.Unmarshal([]byte(raw), v)
	if err == nil {
		return nil
	}
	if json.Unmarshal([]byte(RepairJSON(raw)), v) == nil {
		return nil
	}
	return fmt.Errorf("failed to decode JSON object: %w", err)
}

// RepairJSON fixes the two mistakes local models make most: raw line breaks
// inside string values and a trailing comma before a closing bracket.
func RepairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var q quotes

	for i := 0; i < len(s); i++ {
		ch := s[i]
		structural := q.next(ch)

		if q.inString && (ch == '\n' || ch == '\r') {
			b.WriteString(`\n`)
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}
		if structural && ch == ',' {
			rest := strings.TrimLeft(s[i+1:], " \t\r\n")
			if rest != "" && (rest[0] == '}' || rest[0] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}
