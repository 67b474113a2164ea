package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Documents are lists of [key, value] pairs rather than JSON objects. Keys
// are strings: Entries takes string-keyed maps, and DecodeEntries skips any
// pair whose key is not a JSON string.

// Entries encodes a map as a key-sorted [[key, value], ...] array.
func Entries[V any](m map[string]V) any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]any, 0, len(m))
	for _, k := range keys {
		out = append(out, [2]any{k, m[k]})
	}
	return out
}

// DecodeEntries decodes a [[key, value], ...] array back into a map.
// Malformed pairs are skipped, not fatal.
func DecodeEntries[V any](data []byte) (map[string]V, error) {
	var raw [][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode entry array: %w", err)
	}
	out := make(map[string]V, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			continue
		}
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			continue
		}
		var val V
		if err := json.Unmarshal(pair[1], &val); err != nil {
			continue
		}
		out[key] = val
	}
	return out, nil
}
