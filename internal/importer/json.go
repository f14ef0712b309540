package importer

import (
	"bytes"
	"encoding/json"
)

// NormalizeValue round-trips a value through json so that values produced by
// Go code (int64, time.Time, typed slices) and values read back from jsonb
// columns (float64, string, []any) compare structurally.
func NormalizeValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// EqualValues compares two values in their json-normal form.
func EqualValues(a, b any) bool {
	ra, err1 := json.Marshal(NormalizeValue(a))
	rb, err2 := json.Marshal(NormalizeValue(b))
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
