// Package render produces the final per-recipient subject, bodies, and
// header text for a campaign. Everything here is computed at prepare time;
// the send path never does template work.
package render

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Substitute replaces literal {{name}} tokens with values from vars.
// Unknown tokens are left in place so a missing variable is visible in the
// delivered mail rather than silently blank. Rendering is idempotent for
// values that do not themselves contain tokens.
func Substitute(text string, vars map[string]string) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	result := text
	for key, value := range vars {
		result = strings.ReplaceAll(result, "{{"+key+"}}", value)
	}
	return result
}

// Flatten coerces structured content to a string. Rich editors post bodies
// as JSON arrays of lines; sequences join with newlines, any other
// structured value serializes to its canonical JSON form.
func Flatten(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, "\n")
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, Flatten(item))
		}
		return strings.Join(parts, "\n")
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
