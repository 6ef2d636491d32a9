package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when no JSON object can be found in a completion.
var ErrNoJSON = errors.New("llm: no JSON object found in response")

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// objectRe matches the outermost brace-delimited span.
var objectRe = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractJSON finds the JSON object embedded in raw, handling code fences
// and prose around the object.
func ExtractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") && json.Valid([]byte(raw)) {
		return raw, nil
	}
	if m := objectRe.FindString(raw); m != "" {
		return m, nil
	}
	return "", ErrNoJSON
}

// DecodeJSON unmarshals an LLM completion into v. A direct decode is tried
// first. On failure it retries once on the object found by ExtractJSON.
func DecodeJSON(content string, v any) error {
	firstErr := json.Unmarshal([]byte(strings.TrimSpace(content)), v)
	if firstErr == nil {
		return nil
	}
	extracted, err := ExtractJSON(content)
	if err != nil {
		return fmt.Errorf("%w (decode: %v)", ErrNoJSON, firstErr)
	}
	if err := json.Unmarshal([]byte(extracted), v); err != nil {
		return fmt.Errorf("decoding extracted JSON: %w", err)
	}
	return nil
}
