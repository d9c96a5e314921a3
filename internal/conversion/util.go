package conversion

import (
	"encoding/json"
	"strings"

	"github.com/aetherhq/aether-gateway/internal/ir"
)

// Generic JSON body helpers shared by the normalizers. Wire bodies are
// map[string]any straight from json.Unmarshal, so numbers are float64 and
// every field access needs a type check.

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// optionalInt converts a JSON number to *int, returning nil for anything
// else.
func optionalInt(v any) *int {
	switch n := v.(type) {
	case float64:
		i := int(n)
		return &i
	case int:
		i := n
		return &i
	case json.Number:
		if i64, err := n.Int64(); err == nil {
			i := int(i64)
			return &i
		}
	}
	return nil
}

func optionalFloat(v any) *float64 {
	switch n := v.(type) {
	case float64:
		f := n
		return &f
	case int:
		f := float64(n)
		return &f
	case json.Number:
		if f64, err := n.Float64(); err == nil {
			f := f64
			return &f
		}
	}
	return nil
}

func intOr(v any, fallback int) int {
	if p := optionalInt(v); p != nil {
		return *p
	}
	return fallback
}

// coerceStrList accepts a string or a list and returns a string slice.
func coerceStrList(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if item == nil {
				continue
			}
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// extractExtra copies every field not in knownKeys, preserving unrecognized
// source fields across the IR hop.
func extractExtra(payload map[string]any, knownKeys ...string) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	known := make(map[string]struct{}, len(knownKeys))
	for _, k := range knownKeys {
		known[k] = struct{}{}
	}
	var extra map[string]any
	for k, v := range payload {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}

// joinInstructions concatenates instruction segments with a blank line, the
// form used by formats that accept only a single system string.
func joinInstructions(instructions []ir.InstructionSegment) string {
	parts := make([]string, 0, len(instructions))
	for _, seg := range instructions {
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// systemOrJoined returns the request's System convenience field, falling
// back to joining its instruction segments.
func systemOrJoined(internal *ir.Request) string {
	if internal.System != "" {
		return internal.System
	}
	return joinInstructions(internal.Instructions)
}

// marshalJSONString renders a map as compact JSON, returning "{}" on failure.
func marshalJSONString(v map[string]any) string {
	if v == nil {
		return "{}"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// marshalJSONValue renders any JSON-compatible value, returning "" on failure.
func marshalJSONValue(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// parseJSONObject parses a JSON string into a map, returning nil when the
// payload is not an object.
func parseJSONObject(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// mergeDropped folds per-call drop counters into the running tally.
func mergeDropped(target, source map[string]int) {
	for k, v := range source {
		target[k] += v
	}
}

// recordDropped attaches drop counters to a request/response extra map under
// raw.dropped_blocks.
func recordDropped(extra map[string]any, dropped map[string]int) map[string]any {
	if len(dropped) == 0 {
		return extra
	}
	if extra == nil {
		extra = make(map[string]any)
	}
	raw, ok := extra["raw"].(map[string]any)
	if !ok {
		raw = make(map[string]any)
		extra["raw"] = raw
	}
	raw["dropped_blocks"] = dropped
	return extra
}
