// Package canon implements the canonical-JSON encoding and SHA-256 hashing
// that back plan hashes and the audit hash chain. The byte sequence
// produced here is part of the external wire contract: planHash and
// eventHash values must be reproducible by any third party that re-encodes
// the same value, so determinism (stable key order, no whitespace) matters
// more than encoding speed.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// JSON returns the canonical JSON encoding of v: object keys sorted by
// bytewise lexical order, no whitespace, arrays preserve element order.
func JSON(v any) (string, error) {
	// Round-trip through encoding/json first so that arbitrary Go values
	// (structs with json tags, maps, slices) land on the same representation
	// (map[string]any / []any / json.Number / string / bool / nil) before
	// canonicalizing.
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canon: marshal: %w", err)
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return "", fmt.Errorf("canon: decode: %w", err)
	}

	var buf []byte
	buf, err = encode(buf, decoded)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// MustJSON is JSON but panics on error; used where v is known-encodable
// (e.g. internally constructed structs), preferring explicit, loud failure
// over a silently swallowed encode error.
func MustJSON(v any) string {
	s, err := JSON(v)
	if err != nil {
		panic(err)
	}
	return s
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s's UTF-8 bytes.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func encode(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return append(buf, val.String()...), nil
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("canon: encode string: %w", err)
		}
		return append(buf, encoded...), nil
	case []any:
		buf = append(buf, '[')
		for i, elem := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = encode(buf, elem)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
		return buf, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, fmt.Errorf("canon: encode key: %w", err)
			}
			buf = append(buf, keyJSON...)
			buf = append(buf, ':')
			buf, err = encode(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, '}')
		return buf, nil
	default:
		return nil, fmt.Errorf("canon: unsupported type %T", v)
	}
}
