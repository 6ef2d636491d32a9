package graphstore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	writeClauseRe = regexp.MustCompile(`(?i)\b(CREATE|MERGE|DELETE|DETACH|SET|REMOVE|DROP|FOREACH|LOAD\s+CSV)\b`)
	writeCallRe   = regexp.MustCompile(`(?i)\bCALL\s+(dbms\.|db\.create|apoc\.(create|merge|refactor|periodic|do|cypher\.run(Write|Many)))`)
	stringLitRe   = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"`)
)

// CheckReadOnly rejects Cypher containing write clauses or write
// procedures. String literals are ignored so a filter value such as
// 'Asset Management' cannot trip the check.
func CheckReadOnly(cypher string) error {
	stripped := stringLitRe.ReplaceAllString(cypher, "''")
	if m := writeClauseRe.FindString(stripped); m != "" {
		return fmt.Errorf("%w: contains %s", ErrWriteQuery, strings.ToUpper(m))
	}
	if m := writeCallRe.FindString(stripped); m != "" {
		return fmt.Errorf("%w: calls %s", ErrWriteQuery, m)
	}
	return nil
}

// AsInt converts the numeric shapes that come back from the driver or
// from decoded JSON into an int.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}

// AsInt64 is AsInt for identifiers.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		i, ok := AsInt(v)
		return int64(i), ok
	}
}
