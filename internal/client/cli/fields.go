package cli

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseFields собирает изменения полей из флагов --field key=value и --unset key.
// Значение разбирается как JSON (число, bool, объект), иначе берется строкой.
func parseFields(set, unset []string) (map[string]any, error) {
	fields := make(map[string]any, len(set)+len(unset))
	for _, kv := range set {
		key, raw, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", kv)
		}
		fields[key] = parseValue(raw)
	}
	for _, key := range unset {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty field name in --unset")
		}
		if _, ok := fields[key]; ok {
			return nil, fmt.Errorf("field %q is both set and unset", key)
		}
		fields[key] = nil
	}
	return fields, nil
}

func parseValue(raw string) any {
	if raw == "" || raw == "null" {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
