package engine

import (
	"encoding/json"
	"fmt"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"
)

// MergeContext applies patch to dst as a JSON merge patch (RFC 7386): nested
// objects merge recursively, a null value deletes the key, and any other value
// replaces what was there. The result is a new map holding JSON-decoded values,
// so numbers come back as float64. dst and patch are not modified.
func MergeContext(dst, patch map[string]interface{}) (map[string]interface{}, error) {
	if dst == nil {
		dst = map[string]interface{}{}
	}
	doc, err := json.Marshal(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to encode process context: %w", err)
	}
	p, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context patch: %w", err)
	}

	merged, err := jsonpatch.MergePatch(doc, p)
	if err != nil {
		return nil, fmt.Errorf("failed to apply context patch: %w", err)
	}

	out := make(map[string]interface{})
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("failed to decode merged context: %w", err)
	}
	return out, nil
}
