package didpatch

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Several DID document fields hold "one or more" values: a single logical
// element may appear on the wire as a bare scalar or object instead of a
// one-element array. These helpers implement that contract once; the named
// list types in document.go delegate to them.
//
// Marshalling is compact (single element -> bare value), unmarshalling is
// permissive: a bare string, a bare object, an array mixing strings and
// objects, or a JSON-encoded string starting with '[' holding an embedded
// array are all accepted.

// marshalFlex serializes a single-element slice as the bare element, and
// everything else as a plain array.
func marshalFlex[T any](items []T) ([]byte, error) {
	if len(items) == 1 {
		return json.Marshal(items[0])
	}
	return json.Marshal([]T(items))
}

// unmarshalFlex parses a flexible single-or-list value. fromString converts a
// bare string element into a T; it returns false if the type has no string
// form (in which case string elements are rejected).
func unmarshalFlex[T any](b []byte, fromString func(string) (T, bool)) ([]T, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, err
		}
		// a quoted string may itself carry an embedded JSON array
		if len(s) > 0 && s[0] == '[' {
			return unmarshalFlex[T]([]byte(s), fromString)
		}
		v, ok := fromString(s)
		if !ok {
			return nil, fmt.Errorf("unexpected string element: %q", s)
		}
		return []T{v}, nil
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
		out := make([]T, 0, len(raw))
		for _, el := range raw {
			el = bytes.TrimSpace(el)
			if len(el) > 0 && el[0] == '"' {
				var s string
				if err := json.Unmarshal(el, &s); err != nil {
					return nil, err
				}
				v, ok := fromString(s)
				if !ok {
					return nil, fmt.Errorf("unexpected string element: %q", s)
				}
				out = append(out, v)
				continue
			}
			var v T
			if err := json.Unmarshal(el, &v); err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case 'n':
		if bytes.Equal(b, []byte("null")) {
			return nil, nil
		}
		fallthrough
	default:
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return []T{v}, nil
	}
}
