package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MarshalCanonical is the exported form of canonicalMarshal, for packages
// outside model that need the same deterministic encoding (internal/
// deadletter's archived batch envelopes, mirroring the teacher's
// kernel/internal/canonical.MarshalCanonical usage in its own archiver).
func MarshalCanonical(v any) ([]byte, error) {
	return canonicalMarshal(v)
}

// canonicalMarshal returns deterministic JSON bytes for an arbitrary
// JSON-like value: object keys are sorted lexicographically, arrays keep
// their order, and any []byte value is lossily sanitized to a UTF-8 string
// first (bytes purity invariant: no row field may carry raw bytes).
//
// Ported from the teacher's kernel/internal/canonical package.
func canonicalMarshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, sanitizeValue(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sanitizeValue walks a JSON-like value replacing []byte with a lossily
// UTF-8-sanitized string, recursively.
func sanitizeValue(v any) any {
	switch vv := v.(type) {
	case []byte:
		return sanitizeUTF8(vv)
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[k] = sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, val := range vv {
			out[i] = sanitizeValue(val)
		}
		return out
	default:
		return v
	}
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(vv.String())
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical marshal fallback: %w", err)
		}
		var tmp any
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return fmt.Errorf("canonical decode fallback: %w", err)
		}
		return encodeCanonical(buf, tmp)
	}
	return nil
}
