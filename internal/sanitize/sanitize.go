// Package sanitize strips unset values from records before they reach the document store.
package sanitize

import "reflect"

// Clean returns a copy of record without the keys whose value is unset.
// Nested maps are cleaned recursively. Slices are passed through untouched,
// even when they hold unset elements.
func Clean(record map[string]any) map[string]any {
	if record == nil {
		return nil
	}
	out := make(map[string]any, len(record))
	for k, v := range record {
		if unset(v) {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Clean(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func unset(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
