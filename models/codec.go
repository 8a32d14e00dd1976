package models

import (
	"github.com/rohanthewiz/serr"
	"github.com/vmihailenco/msgpack/v5"
)

// Row documents and change payloads are stored as msgpack blobs. Compact,
// schema-free, and cheap to decode compared to JSON in the hot apply path.

// encodeDoc marshals a field map for storage.
func encodeDoc(fields map[string]any) ([]byte, error) {
	data, err := msgpack.Marshal(fields)
	if err != nil {
		return nil, serr.Wrap(err, "failed to encode document")
	}
	return data, nil
}

// decodeDoc unmarshals a stored field map. Numeric values are normalized so
// documents compare equal across an encode/decode round trip.
func decodeDoc(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var fields map[string]any
	if err := msgpack.Unmarshal(data, &fields); err != nil {
		return nil, serr.Wrap(err, "failed to decode document")
	}
	return normalizeDoc(fields), nil
}

// normalizeDoc widens msgpack's size-minimized numeric types to int64 and
// float64 and normalizes nested maps, matching what encoding/json produces
// on the wire path.
func normalizeDoc(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	for k, v := range fields {
		fields[k] = normalizeValue(v)
	}
	return fields
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return float64(n)
	case map[string]any:
		return normalizeDoc(n)
	case []any:
		for i := range n {
			n[i] = normalizeValue(n[i])
		}
		return n
	default:
		return v
	}
}

// cloneDoc deep-copies a field map so later mutation of the source cannot
// leak into stored snapshots.
func cloneDoc(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch n := v.(type) {
		case map[string]any:
			out[k] = cloneDoc(n)
		case []any:
			cp := make([]any, len(n))
			for i := range n {
				cp[i] = normalizeValue(n[i])
			}
			out[k] = cp
		default:
			out[k] = normalizeValue(v)
		}
	}
	return out
}
