package scim

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter attributes each resource can be searched by.
const (
	FilterUserName    = "userName"
	FilterDisplayName = "displayName"
)

var equalityFilter = regexp.MustCompile(`^\s*(\S+)\s+(\S+)\s+(?:"((?:[^"\\]|\\.)*)"|(\S+))\s*$`)

// ParseFilter accepts only `<attr> eq "<value>"` with attr matching the
// given attribute case-insensitively, and returns the value. Any other
// expression yields a 400 invalidFilter error wrapping ErrUnsupportedFilter.
func ParseFilter(expr, attr string) (string, error) {
	m := equalityFilter.FindStringSubmatch(expr)
	if m == nil {
		return "", unsupported("only %s eq \"value\" filters are supported", attr)
	}
	if !strings.EqualFold(m[1], attr) {
		return "", unsupported("filtering is only supported on %s", attr)
	}
	if !strings.EqualFold(m[2], "eq") {
		return "", unsupported("operator %q is not supported, use eq", m[2])
	}

	value := m[4]
	if m[4] == "" {
		value = strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(m[3])
	}
	if value == "" {
		return "", unsupported("empty filter value")
	}
	return value, nil
}

func unsupported(format string, args ...any) error {
	return BadRequest(TypeInvalidFilter, fmt.Sprintf(format, args...)).wrap(ErrUnsupportedFilter)
}
