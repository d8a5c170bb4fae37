// Package secrets keeps secret references out of API responses. Invocation
// args are stored verbatim and may carry "secret://" pointers that workers
// resolve at execution time; anything the gateway echoes back must have them
// masked first.
package secrets

import (
	"encoding/json"
	"strings"
)

// Prefix marks a string value as a reference into an external secret store.
const Prefix = "secret://"

const placeholder = "<redacted>"

// IsRef reports whether a single string value is a secret reference.
func IsRef(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), Prefix)
}

// ContainsRefs reports whether any string inside a decoded JSON document is
// a secret reference.
func ContainsRefs(doc any) bool {
	_, found := walk(doc, false)
	return found
}

// Redact returns a copy of a decoded JSON document with every secret
// reference replaced by a placeholder, and whether anything was replaced.
func Redact(doc any) (any, bool) {
	return walk(doc, true)
}

// RedactJSON redacts secret references inside an encoded JSON document.
// When nothing needs masking the input is returned unchanged, so stored args
// keep their original byte form.
func RedactJSON(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return data, false, nil
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return data, false, err
	}
	redacted, changed := walk(doc, true)
	if !changed {
		return data, false, nil
	}
	out, err := json.Marshal(redacted)
	return out, true, err
}

// walk descends the shapes json.Unmarshal produces. Bools and numbers can
// never hold a reference, so only strings, objects, and arrays matter.
func walk(doc any, replace bool) (any, bool) {
	switch v := doc.(type) {
	case string:
		if !IsRef(v) {
			return v, false
		}
		if replace {
			return placeholder, true
		}
		return v, true
	case map[string]any:
		changed := false
		for k, child := range v {
			masked, hit := walk(child, replace)
			if hit {
				changed = true
				if replace {
					v[k] = masked
				}
			}
		}
		return v, changed
	case []any:
		changed := false
		for i, child := range v {
			masked, hit := walk(child, replace)
			if hit {
				changed = true
				if replace {
					v[i] = masked
				}
			}
		}
		return v, changed
	default:
		return v, false
	}
}
