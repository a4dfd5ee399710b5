// Package textutil holds small string helpers shared by configuration loaders.
package textutil

import "strings"

// ParseKeyValues splits raw on sep into KEY=VALUE pairs. Keys and values are trimmed, entries with an
// empty key or without "=" are skipped, and later entries win. When lowerKeys is set keys are folded
// to lower case. Lines starting with "#" are ignored, which lets callers parse dotenv style files
// with sep "\n".
func ParseKeyValues(raw, sep string, lowerKeys bool) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, sep) {
		entry = strings.TrimSpace(entry)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if lowerKeys {
			key = strings.ToLower(key)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// DropEmptyValues removes entries whose value is blank.
func DropEmptyValues(values map[string]string) map[string]string {
	for key, value := range values {
		if strings.TrimSpace(value) == "" {
			delete(values, key)
		}
	}
	return values
}
