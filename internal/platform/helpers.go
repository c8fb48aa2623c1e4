package platform

import (
	"encoding/json"
	"strconv"
)

// Platform webhook payloads are decoded generically into
// map[string]interface{} rather than fully typed structs, since the
// shared thread-cue extractors (internal/thread) and mention scanning
// already expect that shape. These helpers keep the per-field
// extraction in each adapter terse and nil-safe.

func getString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// getID renders an identifier field as a string regardless of whether
// the platform encodes it as JSON text or a number (Telegram and Zulip
// ship numeric ids, which json.Unmarshal surfaces as float64).
func getID(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func getBool(m map[string]interface{}, key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

func getMap(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]interface{})
	return v
}

func getSlice(m map[string]interface{}, key string) []interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].([]interface{})
	return v
}
