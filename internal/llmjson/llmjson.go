// Package llmjson parses JSON produced by language models, which is
// frequently almost-JSON: wrapped in code fences, carrying trailing
// commas, Python literals, or prose around the object. Every place the
// runtime interprets an LLM return goes through Parse so the fix-ups
// stay in one spot.
package llmjson

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/titanous/json5"
)

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json5?|javascript)?\\s*(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	pyTrueRe        = regexp.MustCompile(`\bTrue\b`)
	pyFalseRe       = regexp.MustCompile(`\bFalse\b`)
	pyNoneRe        = regexp.MustCompile(`\bNone\b`)
)

// Parse extracts and decodes the first JSON value found in text into v.
// Fix-ups applied in order: code-fence stripping, object/array
// extraction from surrounding prose, Python-literal booleans and None,
// trailing-comma removal. If strict decoding still fails, json5 gets a
// final attempt.
func Parse(text string, v interface{}) error {
	candidate := Extract(text)
	if candidate == "" {
		return fmt.Errorf("llmjson: no JSON value found in %d chars of text", len(text))
	}

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	repaired := repair(candidate)
	if err := json.Unmarshal([]byte(repaired), v); err == nil {
		return nil
	}

	if err := json5.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("llmjson: parse failed: %w", err)
	}
	return nil
}

// ParseObject is Parse specialised to a generic object. A top-level
// array whose first element is an object is unwrapped, since models
// sometimes emit `[{...}]` when asked for one object.
func ParseObject(text string) (map[string]interface{}, error) {
	var raw interface{}
	if err := Parse(text, &raw); err != nil {
		return nil, err
	}
	switch t := raw.(type) {
	case map[string]interface{}:
		return t, nil
	case []interface{}:
		if len(t) > 0 {
			if obj, ok := t[0].(map[string]interface{}); ok {
				return obj, nil
			}
		}
	}
	return nil, fmt.Errorf("llmjson: value is %T, not an object", raw)
}

// Extract returns the most plausible JSON substring of text: the body
// of the first code fence if present, otherwise the first balanced
// {...} or [...] span, otherwise the trimmed text itself.
func Extract(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return text
	}

	if span := balancedSpan(text, '{', '}'); span != "" {
		return span
	}
	if span := balancedSpan(text, '[', ']'); span != "" {
		return span
	}
	return text
}

// balancedSpan finds the first balanced open..close region, ignoring
// brackets inside double-quoted strings.
func balancedSpan(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func repair(s string) string {
	s = pyTrueRe.ReplaceAllString(s, "true")
	s = pyFalseRe.ReplaceAllString(s, "false")
	s = pyNoneRe.ReplaceAllString(s, "null")
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	return s
}
