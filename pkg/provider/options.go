package provider

import "time"

// Typed readers for the freeform map[string]any configuration blocks a
// provider receives. YAML and JSON decode numbers differently (int vs
// float64), so the numeric readers coerce both. A missing key or a value of
// the wrong shape yields the supplied default.

// StringOption reads cfg[key] as a string.
func StringOption(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return def
}

// IntOption reads cfg[key] as an int.
func IntOption(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// FloatOption reads cfg[key] as a float64.
func FloatOption(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// BoolOption reads cfg[key] as a bool.
func BoolOption(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

// StringsOption reads cfg[key] as a string slice. Both []string and []any
// containing strings are accepted; non-string elements are skipped.
func StringsOption(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SecondsOption reads cfg[key] as a duration expressed in seconds.
func SecondsOption(cfg map[string]any, key string, def time.Duration) time.Duration {
	switch v := cfg[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}

// MapOption reads cfg[key] as a nested map. YAML decodes nested blocks as
// map[string]any already; a missing or mis-shaped value yields nil.
func MapOption(cfg map[string]any, key string) map[string]any {
	if v, ok := cfg[key].(map[string]any); ok {
		return v
	}
	return nil
}
