// Package idempotency derives the keys the journal uses to recognise a turn
// that was already acted on before a crash.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const keyPrefix = "ik:"

// CanonicalJSON encodes v with map keys sorted at every depth and without
// HTML escaping, so equal values always produce equal bytes.
//
// encoding/json already sorts map keys; struct fields keep declaration
// order, which is stable for a given type.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// TurnKey identifies turn seq of a task by what went into it and what came
// back. Replaying the same turn yields the same key; any change to the
// input or the response text yields a different one.
func TurnKey(taskID string, seq int, input, responseText string) (string, error) {
	data, err := CanonicalJSON(map[string]any{
		"task":          taskID,
		"seq":           seq,
		"input":         input,
		"response_text": responseText,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode turn %d of %s: %w", seq, taskID, err)
	}
	sum := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(sum[:]), nil
}
