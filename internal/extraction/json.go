// Package extraction turns raw inference replies and quote text into
// candidate fields with per-field confidence.
package extraction

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var ErrNoJSONObject = errors.New("no JSON object found")

var (
	codeFence     = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSONObject recovers the first JSON object from text that may carry
// surrounding prose, markdown code fences or trailing commas.
func ExtractJSONObject(raw string) (map[string]any, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrNoJSONObject
	}

	candidates := []string{text}
	if m := codeFence.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if obj, ok := balancedObject(text); ok {
		candidates = append(candidates, obj)
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	for _, c := range candidates {
		if obj, ok := decodeObject(c); ok {
			return obj, nil
		}
		if repaired := trailingComma.ReplaceAllString(c, "$1"); repaired != c {
			if obj, ok := decodeObject(repaired); ok {
				return obj, nil
			}
		}
	}
	return nil, ErrNoJSONObject
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// balancedObject returns the first brace-balanced span, honouring string
// literals and escapes.
func balancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
