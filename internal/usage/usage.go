// Package usage implements the token-usage extractor and aggregator:
// parsing SSE/JSON response bodies for provider usage blocks and summing
// them per service/channel.
package usage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Keys lists the fixed six metric names, in canonical order.
var Keys = []string{"input", "cached_create", "cached_read", "output", "reasoning", "total"}

// Metrics is the normalized six-key usage tuple. All values are
// non-negative integers.
type Metrics struct {
	Input        int64 `json:"input"`
	CachedCreate int64 `json:"cached_create"`
	CachedRead   int64 `json:"cached_read"`
	Output       int64 `json:"output"`
	Reasoning    int64 `json:"reasoning"`
	Total        int64 `json:"total"`
}

// Add accumulates other into m in place.
func (m *Metrics) Add(other Metrics) {
	m.Input += other.Input
	m.CachedCreate += other.CachedCreate
	m.CachedRead += other.CachedRead
	m.Output += other.Output
	m.Reasoning += other.Reasoning
	m.Total += other.Total
}

// Service identifies which provider schema to apply when mapping raw
// usage fields.
type Service string

const (
	ServiceClaude Service = "claude"
	ServiceCodex  Service = "codex"
)

// toInt best-effort coerces a decoded JSON value to an int64: booleans
// become 0/1, floats truncate, strings parse as numbers, anything else
// is 0.
func toInt(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 1
		}
		return 0
	case float64:
		return int64(math.Trunc(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return int64(math.Trunc(f))
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return int64(math.Trunc(f))
	default:
		return 0
	}
}

func getMap(m map[string]any, key string) map[string]any {
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	return v
}

// Normalize converts a raw decoded usage object (as found under a
// response's "usage" key) into the fixed Metrics tuple using the named
// provider's field layout.
func Normalize(service Service, raw map[string]any) Metrics {
	if raw == nil {
		return Metrics{}
	}

	var m Metrics
	switch service {
	case ServiceClaude:
		m.Input = toInt(raw["input_tokens"])
		m.CachedCreate = toInt(raw["cache_creation_input_tokens"])
		m.CachedRead = toInt(raw["cache_read_input_tokens"])
		m.Output = toInt(raw["output_tokens"])
		m.Reasoning = toInt(raw["reasoning_tokens"])
		if total, ok := raw["total_tokens"]; ok {
			m.Total = toInt(total)
		} else {
			m.Total = m.Input + m.Output
		}
	default: // codex or any other Codex-shaped provider
		m.Input = toInt(raw["input_tokens"])
		m.CachedCreate = toInt(raw["cache_creation_input_tokens"])
		if details := getMap(raw, "input_tokens_details"); details != nil {
			m.CachedRead = toInt(details["cached_tokens"])
		}
		m.Output = toInt(raw["output_tokens"])
		if details := getMap(raw, "output_tokens_details"); details != nil {
			m.Reasoning = toInt(details["reasoning_tokens"])
		}
		if total, ok := raw["total_tokens"]; ok {
			m.Total = toInt(total)
		} else {
			m.Total = m.Input + m.Output
		}
	}
	return m
}

// extractFromPayload looks for a usage object at the locations each
// service's response shape may place it.
func extractFromPayload(service Service, payload map[string]any) map[string]any {
	if u := getMap(payload, "usage"); u != nil {
		return u
	}
	switch service {
	case ServiceClaude:
		if msg := getMap(payload, "message"); msg != nil {
			if u := getMap(msg, "usage"); u != nil {
				return u
			}
		}
	default:
		if resp := getMap(payload, "response"); resp != nil {
			if u := getMap(resp, "usage"); u != nil {
				return u
			}
		}
	}
	return nil
}

func safeJSONObject(s string) map[string]any {
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// extractFromSSE splits text on blank lines, reads every "data:" line in
// each frame, and returns the last payload that yields a usage object.
// SSE streams emit cumulative usage repeatedly; the terminal one wins.
func extractFromSSE(service Service, text string) map[string]any {
	var last map[string]any
	for _, chunk := range strings.Split(text, "\n\n") {
		for _, line := range strings.Split(chunk, "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := safeJSONObject(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			if payload == nil {
				continue
			}
			if u := extractFromPayload(service, payload); u != nil {
				last = u
			}
		}
	}
	return last
}

// ExtractFromResponse determines whether responseBytes look like an SSE
// stream or a single JSON document, extracts the (last, for SSE) usage
// object, and normalizes it. A nil/empty input, or one with no decodable
// usage object, yields a zero Metrics.
func ExtractFromResponse(service Service, responseBytes []byte) Metrics {
	if len(responseBytes) == 0 {
		return Metrics{}
	}
	text := strings.TrimSpace(string(bytes.ToValidUTF8(responseBytes, nil)))
	if text == "" {
		return Metrics{}
	}

	var raw map[string]any
	if strings.HasPrefix(text, "event:") || strings.Contains(text, "\ndata:") {
		raw = extractFromSSE(service, text)
	} else if payload := safeJSONObject(text); payload != nil {
		raw = extractFromPayload(service, payload)
	}

	return Normalize(service, raw)
}

// FormatValue renders an integer usage count with an optional k/m
// shorthand suffix for operator-facing display, e.g. "1500 (1.5k)".
func FormatValue(value int64) string {
	var short string
	switch {
	case value >= 1_000_000:
		short = fmt.Sprintf("%.1fm", math.Floor(float64(value)/100_000)/10)
	case value >= 1_000:
		short = fmt.Sprintf("%.1fk", math.Floor(float64(value)/100)/10)
	}
	if short == "" {
		return strconv.FormatInt(value, 10)
	}
	return fmt.Sprintf("%d (%s)", value, short)
}
