package storetest

import (
	"encoding/json"
	"reflect"
)

// jsonEqual compares stored JSON with an expected document, ignoring the
// formatting differences JSONB introduces.
func jsonEqual(got []byte, want string) bool {
	var a, b any
	if err := json.Unmarshal(got, &a); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(want), &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}
