package headers

import (
	"strconv"
	"strings"
)

// DefaultMaxValueLength is the byte limit on a header's joined value.
const DefaultMaxValueLength = 8192

// Validator screens raw fields before they reach the merge.
type Validator struct {
	MaxValueLength int
}

// Validate checks name and values. Multiple values are joined with ", "
// before the length check. It has no side effects.
func (v Validator) Validate(name string, values []string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return &InvalidHeaderError{Name: name, Reason: "empty name"}
	}
	if !validName(trimmed) {
		return &InvalidHeaderError{Name: name, Reason: "name contains characters outside [A-Za-z0-9-_]"}
	}

	joined := strings.Join(values, ", ")
	limit := v.MaxValueLength
	if limit <= 0 {
		limit = DefaultMaxValueLength
	}
	if len(joined) > limit {
		return &InvalidHeaderError{
			Name:   name,
			Value:  truncValue(joined),
			Reason: "value exceeds " + strconv.Itoa(limit) + " bytes",
		}
	}
	for _, val := range values {
		if strings.ContainsAny(val, "\r\n") {
			return &InvalidHeaderError{Name: name, Value: truncValue(val), Reason: "value contains a line break"}
		}
	}
	return nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// truncValue keeps error payloads small when a value is oversized.
func truncValue(s string) string {
	const max = 128
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
