package relationaldb

import "encoding/json"

// JSON column normalization. Storage engines disagree on whether a JSON
// column comes back as text or as a decoded object; every read funnels
// through here so the rest of the system only ever sees native maps.

// DecodeStringMap normalizes a JSON column into a map[string]string.
// Strings and byte slices are parsed; an already-decoded map passes through;
// anything unparseable yields an empty map and ok=false so the caller can
// log a warning.
func DecodeStringMap(value interface{}) (map[string]string, bool) {
	switch v := value.(type) {
	case nil:
		return map[string]string{}, true
	case map[string]string:
		return v, true
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, raw := range v {
			if s, okStr := raw.(string); okStr {
				out[k] = s
			}
		}
		return out, true
	case []byte:
		return decodeStringMapBytes(v)
	case string:
		return decodeStringMapBytes([]byte(v))
	default:
		return map[string]string{}, false
	}
}

func decodeStringMapBytes(raw []byte) (map[string]string, bool) {
	if len(raw) == 0 {
		return map[string]string{}, true
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]string{}, false
	}
	if out == nil {
		out = map[string]string{}
	}
	return out, true
}

// DecodeValueMap normalizes a JSON column into a map[string]interface{}.
func DecodeValueMap(value interface{}) (map[string]interface{}, bool) {
	switch v := value.(type) {
	case nil:
		return map[string]interface{}{}, true
	case map[string]interface{}:
		return v, true
	case []byte:
		return decodeValueMapBytes(v)
	case string:
		return decodeValueMapBytes([]byte(v))
	default:
		return map[string]interface{}{}, false
	}
}

func decodeValueMapBytes(raw []byte) (map[string]interface{}, bool) {
	if len(raw) == 0 {
		return map[string]interface{}{}, true
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}, false
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, true
}

// EncodeJSON serializes a value for a JSON column. Nil maps encode as "{}"
// so reads never have to special-case NULL against empty.
func EncodeJSON(value interface{}) (string, error) {
	if value == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
