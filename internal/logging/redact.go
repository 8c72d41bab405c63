package logging

import "strings"

// sensitiveKeys lists the keys RedactMap masks, matched case-insensitively
// at any nesting depth.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"device_token":  {},
	"api_key":       {},
	"authorization": {},
	"password":      {},
	"secret":        {},
}

// MaskValue keeps a short prefix/suffix of a secret and stars out the rest,
// so redacted logs still show enough to eyeball which credential rotated.
func MaskValue(value string, keepPrefix, keepSuffix int) string {
	if value == "" {
		return ""
	}
	if len(value) <= keepPrefix+keepSuffix {
		return strings.Repeat("*", len(value))
	}
	return value[:keepPrefix] + strings.Repeat("*", len(value)-keepPrefix-keepSuffix) + value[len(value)-keepSuffix:]
}

// RedactMap returns a shallow-safe copy of data with sensitive keys masked,
// recursing into nested maps and slices of maps.
func RedactMap(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		lower := strings.ToLower(strings.TrimSpace(k))
		if _, sensitive := sensitiveKeys[lower]; sensitive {
			out[k] = MaskValue(toString(v), 2, 2)
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = RedactMap(val)
		case []any:
			masked := make([]any, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					masked[i] = RedactMap(m)
				} else {
					masked[i] = item
				}
			}
			out[k] = masked
		default:
			out[k] = v
		}
	}
	return out
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
