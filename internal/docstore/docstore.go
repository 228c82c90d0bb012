// Package docstore defines the key/value document store the lifecycle engine persists
// project records through, with partial-field update semantics.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Record is a JSON-compatible document tree.
type Record = map[string]any

var ErrNotFound = errors.New("document not found")

// ErrConflict is returned by UpdateVersion when the stored version moved on.
var ErrConflict = errors.New("document version conflict")

// VersionField is the top-level counter checked by UpdateVersion. A record
// without it is at version 0.
const VersionField = "version"

// StoreError wraps a transport or persistence failure reported by a backend.
// Callers must re-read and recompute before retrying.
type StoreError struct {
	Op         string
	Collection string
	ID         string
	Err        error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("store %s %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// SetOptions controls Set. With Merge, top-level fields of the given record replace
// the stored ones and all other stored fields are kept.
type SetOptions struct {
	Merge bool
}

// Snapshot is a stored record together with its key.
type Snapshot struct {
	ID   string
	Data Record
}

type Operator string

const (
	OpEq            Operator = "=="
	OpNeq           Operator = "!="
	OpArrayContains Operator = "array-contains"
)

// Predicate filters records on a top-level field.
type Predicate struct {
	Field string
	Op    Operator
	Value any
}

func Where(field string, op Operator, value any) Predicate {
	return Predicate{Field: field, Op: op, Value: value}
}

// Match evaluates the predicate against a record.
func (p Predicate) Match(r Record) bool {
	v, ok := r[p.Field]
	switch p.Op {
	case OpEq:
		return ok && equalValues(v, p.Value)
	case OpNeq:
		return ok && !equalValues(v, p.Value)
	case OpArrayContains:
		items, isSlice := v.([]any)
		if !ok || !isSlice {
			return false
		}
		for _, item := range items {
			if equalValues(item, p.Value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// MatchAll reports whether every predicate matches.
func MatchAll(r Record, preds []Predicate) bool {
	for _, p := range preds {
		if !p.Match(r) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Store is the document store contract. Implementations must return ErrNotFound
// (possibly wrapped) for missing documents.
type Store interface {
	Create(ctx context.Context, collection string, record Record) (string, error)
	Get(ctx context.Context, collection, id string) (Record, error)
	Set(ctx context.Context, collection, id string, record Record, opts SetOptions) error
	Update(ctx context.Context, collection, id string, partial Record) error
	// UpdateVersion applies partial and sets VersionField to version+1 only when the
	// stored VersionField equals version. Otherwise it returns ErrConflict.
	UpdateVersion(ctx context.Context, collection, id string, version int64, partial Record) error
	Query(ctx context.Context, collection string, preds ...Predicate) ([]Snapshot, error)
	Close() error
}

// StoredVersion reads VersionField from a record.
func StoredVersion(r Record) int64 {
	f, _ := toFloat(r[VersionField])
	return int64(f)
}

// NextVersion returns a copy of partial carrying version+1.
func NextVersion(partial Record, version int64) Record {
	out := make(Record, len(partial)+1)
	for k, v := range partial {
		out[k] = v
	}
	out[VersionField] = version + 1
	return out
}

// MergeTop copies the top-level fields of src over dst and returns dst.
func MergeTop(dst, src Record) Record {
	if dst == nil {
		dst = Record{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
