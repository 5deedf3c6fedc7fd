// Package redact applies configured sensitive-path redaction to intent
// context/metadata (spec §4.6 step 7) and validates the size/shape bounds
// enforced at intake (spec §4.6 step 1).
package redact

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"

	"github.com/vorion/intentengine/internal/apierrors"
)

// Placeholder replaces the value at every matched sensitive path.
const Placeholder = "[REDACTED]"

const (
	maxContextBytes  = 64 * 1024
	maxTotalBytes    = 1024 * 1024
	maxTopLevelKeys  = 100
	maxStringLength  = 10000
)

// ValidateShape enforces spec §4.6 step 1's bounds on a context or metadata
// blob: overall size, top-level key count, and per-string length. context
// and metadata are validated together against the combined 1 MiB ceiling;
// context alone must additionally respect the 64 KiB ceiling.
func ValidateShape(context, metadata map[string]interface{}) error {
	contextBytes, err := json.Marshal(context)
	if err != nil {
		return apierrors.Validation("context", "not serializable")
	}
	if len(contextBytes) > maxContextBytes {
		return apierrors.Validation("context", fmt.Sprintf("exceeds %d byte limit", maxContextBytes))
	}
	if len(context) > maxTopLevelKeys {
		return apierrors.Validation("context", fmt.Sprintf("exceeds %d top-level key limit", maxTopLevelKeys))
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return apierrors.Validation("metadata", "not serializable")
	}
	if len(metadata) > maxTopLevelKeys {
		return apierrors.Validation("metadata", fmt.Sprintf("exceeds %d top-level key limit", maxTopLevelKeys))
	}
	if len(contextBytes)+len(metadataBytes) > maxTotalBytes {
		return apierrors.Validation("context+metadata", fmt.Sprintf("exceeds %d byte combined limit", maxTotalBytes))
	}

	if err := validateStringLengths(context, "context"); err != nil {
		return err
	}
	return validateStringLengths(metadata, "metadata")
}

func validateStringLengths(m map[string]interface{}, field string) error {
	var walk func(v interface{}) error
	walk = func(v interface{}) error {
		switch t := v.(type) {
		case string:
			if len(t) > maxStringLength {
				return apierrors.Validation(field, fmt.Sprintf("string exceeds %d char limit", maxStringLength))
			}
		case map[string]interface{}:
			for _, child := range t {
				if err := walk(child); err != nil {
					return err
				}
			}
		case []interface{}:
			for _, child := range t {
				if err := walk(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(m)
}

// ContextSizeBytes returns the marshaled size of a context blob, for the
// metric recorded at spec §4.6 step 2.
func ContextSizeBytes(context map[string]interface{}) int {
	b, err := json.Marshal(context)
	if err != nil {
		return 0
	}
	return len(b)
}

// Apply returns a copy of data with every JSONPath in sensitivePaths
// replaced by Placeholder. Paths that don't match anything are no-ops;
// malformed path expressions are skipped rather than failing the whole
// submission (configuration mistakes must not block ingress).
func Apply(data map[string]interface{}, sensitivePaths []string) map[string]interface{} {
	if len(data) == 0 || len(sensitivePaths) == 0 {
		return data
	}
	out := deepCopy(data)
	for _, path := range sensitivePaths {
		redactPath(out, path)
	}
	return out
}

func redactPath(data map[string]interface{}, path string) {
	defer func() { _ = recover() }() // jsonpath panics on some malformed expressions

	if !isDottedPath(path) {
		return
	}
	// jsonpath.Get confirms the expression is addressable against this
	// document (it returns an error both for syntax problems and for
	// missing keys — either way there's nothing to redact) before the
	// direct map-walk below performs the actual in-place mutation, since
	// the library returns matched values, not settable references.
	if _, err := jsonpath.Get(path, map[string]interface{}(data)); err != nil {
		return
	}
	setAtPath(data, splitDotted(path[1:]), Placeholder)
}

func isDottedPath(path string) bool {
	return len(path) > 1 && path[0] == '$'
}

func splitDotted(path string) []string {
	if len(path) == 0 {
		return nil
	}
	if path[0] == '.' {
		path = path[1:]
	}
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	segments = append(segments, path[start:])
	return segments
}

func setAtPath(data map[string]interface{}, segments []string, value interface{}) {
	cur := data
	for i, seg := range segments {
		if i == len(segments)-1 {
			if _, ok := cur[seg]; ok {
				cur[seg] = value
			}
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			out[k] = deepCopy(t)
		case []interface{}:
			cp := make([]interface{}, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
