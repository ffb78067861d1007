package store

import (
	"encoding/json"
	"fmt"
)

// CanonicalBody encodes a body deterministically (JSON with sorted keys)
// for revision hashing. Two writes with semantically identical bodies hash
// to the same revision.
func CanonicalBody(b Body) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document body: %w", err)
	}
	return data, nil
}

// CloneBody deep-copies a body via its canonical encoding, so stored
// revisions cannot be mutated through aliased maps held by the caller.
func CloneBody(b Body) (Body, error) {
	if b == nil {
		return nil, nil
	}
	data, err := CanonicalBody(b)
	if err != nil {
		return nil, err
	}
	var out Body
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode document body: %w", err)
	}
	return out, nil
}
