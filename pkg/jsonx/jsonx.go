// Package jsonx extracts JSON payloads from LLM replies that wrap them in
// markdown fences or surrounding prose.
package jsonx

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrNoJSON = errors.New("no json value found")

// Extract returns the first balanced JSON object or array in s, after
// stripping markdown code fences. The scan is string-aware, so braces inside
// string values do not confuse it.
func Extract(s string) (string, error) {
	s = StripFences(s)

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", ErrNoJSON
	}
	open := s[start]
	closing := byte('}')
	if open == '[' {
		closing = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closing:
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, nil
				}
				return "", ErrNoJSON
			}
		}
	}
	return "", ErrNoJSON
}

// Unmarshal extracts the first JSON value from s and decodes it into v.
func Unmarshal(s string, v any) error {
	raw, err := Extract(s)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// StripFences removes a wrapping markdown code fence, with or without a
// language tag, and trims whitespace.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop a language tag like "json" on the fence line.
		first := strings.TrimSpace(s[:i])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
