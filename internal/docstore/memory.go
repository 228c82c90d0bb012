package docstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Records are deep-copied through JSON on the way in
// and out so callers never share state with the store.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	order []string
	docs  map[string]Record
}

func NewMemory() *Memory {
	return &Memory{collections: map[string]*memCollection{}}
}

func (m *Memory) collection(name string) *memCollection {
	c, ok := m.collections[name]
	if !ok {
		c = &memCollection{docs: map[string]Record{}}
		m.collections[name] = c
	}
	return c
}

func (m *Memory) Create(ctx context.Context, collection string, record Record) (string, error) {
	id, err := NewID()
	if err != nil {
		return "", err
	}
	return id, m.Set(ctx, collection, id, record, SetOptions{})
}

func (m *Memory) Get(_ context.Context, collection, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, ErrNotFound
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(doc)
}

func (m *Memory) Set(_ context.Context, collection, id string, record Record, opts SetOptions) error {
	cp, err := copyRecord(record)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	existing, ok := c.docs[id]
	if !ok {
		c.order = append(c.order, id)
	}
	if opts.Merge && ok {
		cp = MergeTop(existing, cp)
	}
	c.docs[id] = cp
	return nil
}

func (m *Memory) Update(_ context.Context, collection, id string, partial Record) error {
	cp, err := copyRecord(partial)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return ErrNotFound
	}
	existing, ok := c.docs[id]
	if !ok {
		return ErrNotFound
	}
	c.docs[id] = MergeTop(existing, cp)
	return nil
}

func (m *Memory) UpdateVersion(_ context.Context, collection, id string, version int64, partial Record) error {
	cp, err := copyRecord(NextVersion(partial, version))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return ErrNotFound
	}
	existing, ok := c.docs[id]
	if !ok {
		return ErrNotFound
	}
	if StoredVersion(existing) != version {
		return ErrConflict
	}
	c.docs[id] = MergeTop(existing, cp)
	return nil
}

func (m *Memory) Query(_ context.Context, collection string, preds ...Predicate) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, nil
	}
	var out []Snapshot
	for _, id := range c.order {
		doc := c.docs[id]
		if !MatchAll(doc, preds) {
			continue
		}
		cp, err := copyRecord(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, Snapshot{ID: id, Data: cp})
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// NewID returns a time-ordered document key.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// copyRecord normalizes a record to plain JSON types.
func copyRecord(r Record) (Record, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
