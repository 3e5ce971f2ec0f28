package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// The wire format grew several field-naming conventions for the same
// concepts. These helpers treat the union of observed aliases as the
// compatibility contract.

func probeString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			if text := asString(raw); text != "" {
				return text
			}
		}
	}
	return ""
}

func probeInt(payload map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			if value, ok := asInt(raw); ok {
				return value, true
			}
		}
	}
	return 0, false
}

func probeInt64(payload map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			if value, ok := asInt64(raw); ok {
				return value, true
			}
		}
	}
	return 0, false
}

func probeFloat(payload map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			if value, ok := asFloat(raw); ok {
				return value, true
			}
		}
	}
	return 0, false
}

func probeRound(payload map[string]any) int {
	round, _ := probeInt(payload, "round", "round_no", "turn")
	return round
}

func probeRaw(payload map[string]any, keys ...string) json.RawMessage {
	for _, key := range keys {
		raw, ok := payload[key]
		if !ok || raw == nil {
			continue
		}
		data, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		return data
	}
	return nil
}

func asString(raw any) string {
	switch val := raw.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func asInt(raw any) (int, bool) {
	value, ok := asInt64(raw)
	return int(value), ok
}

func asInt64(raw any) (int64, bool) {
	switch val := raw.(type) {
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case float64:
		return int64(val), true
	case json.Number:
		if parsed, err := val.Int64(); err == nil {
			return parsed, true
		}
	case string:
		text := strings.TrimSpace(val)
		if text == "" {
			return 0, false
		}
		parsed, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func asFloat(raw any) (float64, bool) {
	switch val := raw.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		if parsed, err := val.Float64(); err == nil {
			return parsed, true
		}
	case string:
		text := strings.TrimSpace(val)
		if text == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func asMap(raw any) map[string]any {
	if m, ok := raw.(map[string]any); ok {
		return m
	}
	return nil
}

func asTime(raw any) time.Time {
	switch val := raw.(type) {
	case string:
		text := strings.TrimSpace(val)
		if text == "" {
			return time.Time{}
		}
		if parsed, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return parsed.UTC()
		}
		if parsed, err := strconv.ParseInt(text, 10, 64); err == nil {
			return unixTime(parsed)
		}
	case float64:
		return unixTime(int64(val))
	case int64:
		return unixTime(val)
	case json.Number:
		if parsed, err := val.Int64(); err == nil {
			return unixTime(parsed)
		}
	}
	return time.Time{}
}

// unixTime interprets large values as milliseconds, smaller ones as seconds.
func unixTime(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC()
	}
	return time.Unix(value, 0).UTC()
}
