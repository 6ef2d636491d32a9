package planner

import (
	"bytes"
	"encoding/json"
	"strings"
)

var listCleaner = strings.NewReplacer("[", "", "]", "", `"`, "", "'", "")

// flexList decodes a list field that the LLM may have returned as a JSON
// array, a JSON array inside a string, a comma-separated string or a
// single scalar.
func flexList(raw json.RawMessage) []any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		return nonEmpty(list)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return nonEmpty(list)
		}
		cleaned := strings.TrimSpace(listCleaner.Replace(s))
		if cleaned == "" {
			return nil
		}
		for _, part := range strings.Split(cleaned, ",") {
			if part = strings.TrimSpace(part); part != "" {
				list = append(list, part)
			}
		}
		return list
	}

	var scalar any
	if err := json.Unmarshal(raw, &scalar); err == nil && scalar != nil {
		if _, isObj := scalar.(map[string]any); !isObj {
			return []any{scalar}
		}
	}
	return nil
}

func nonEmpty(list []any) []any {
	if len(list) == 0 {
		return nil
	}
	return list
}

// field returns the first present key.
func field(obj map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringField(obj map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := obj[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return strings.TrimSpace(s)
}
