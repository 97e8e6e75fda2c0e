package task

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// GetPath resolves a dot/bracket path (gjson syntax, e.g. "result.foo.bar" or
// "input.items.0") against a JSON-object-shaped map. The second return value
// is false when the path does not resolve, letting callers apply the
// evaluator's null-sentinel / absence rules without distinguishing "explicit
// null" from "missing" at this layer.
func GetPath(root map[string]any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// SetPath returns a copy of target with value written at the given dot path,
// creating intermediate objects as needed. target may be nil.
func SetPath(target map[string]any, path string, value any) (map[string]any, error) {
	var raw []byte
	var err error
	if target == nil {
		raw = []byte("{}")
	} else {
		raw, err = json.Marshal(target)
		if err != nil {
			return nil, err
		}
	}
	raw, err = sjson.SetBytes(raw, path, value)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeepMergeInto merges src into dst recursively: nested objects are merged
// key-by-key, any other value type (including lists and scalars) is
// overwritten wholesale by src's value at that path. dst is not mutated; the
// merged result is returned. This realizes the "last-writer-wins per path"
// conflict policy for multi-source edge fan-in (callers apply successive
// DeepMergeInto calls in source-task-id ascending order, so the last call's
// src wins any overlapping leaf).
func DeepMergeInto(dst, src map[string]any) map[string]any {
	if dst == nil && src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if existing, ok := out[k]; ok {
			existingMap, existingIsMap := existing.(map[string]any)
			incomingMap, incomingIsMap := v.(map[string]any)
			if existingIsMap && incomingIsMap {
				out[k] = DeepMergeInto(existingMap, incomingMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}
