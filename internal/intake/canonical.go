package intake

import "encoding/json"

// canonicalize renders a context map as its dedupe-fingerprint input.
// encoding/json already serializes map[string]interface{} keys in sorted
// order, which is the only canonicalization the fingerprint needs (spec
// §4.4: "canonical(context)").
func canonicalize(data map[string]interface{}) string {
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}

func marshalCanonical(data map[string]interface{}) ([]byte, error) {
	return json.Marshal(data)
}

func unmarshalCanonical(b []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
