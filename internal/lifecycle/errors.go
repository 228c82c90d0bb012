package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError lists every rejected input field with its message.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type validation map[string]string

func (v validation) add(field, msg string) {
	if _, ok := v[field]; !ok {
		v[field] = msg
	}
}

func (v validation) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Fields: v}
}

var (
	// ErrAlreadySignedOff rejects a second sign-off of the same document.
	ErrAlreadySignedOff = errors.New("document already signed off")
	// ErrWrongPhase rejects an operation the project's current phase does not accept.
	ErrWrongPhase = errors.New("operation not allowed in current phase")
)
