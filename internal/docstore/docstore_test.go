package docstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phasegate/internal/docstore"
)

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	s := docstore.NewMemory()

	id, err := s.Create(ctx, "projects", docstore.Record{"title": "A", "phases": []any{"x"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, "projects", id)
	require.NoError(t, err)
	assert.Equal(t, "A", got["title"])

	got["title"] = "mutated"
	again, err := s.Get(ctx, "projects", id)
	require.NoError(t, err)
	assert.Equal(t, "A", again["title"], "reads must be isolated from the store")

	require.NoError(t, s.Update(ctx, "projects", id, docstore.Record{"description": "d"}))
	got, err = s.Get(ctx, "projects", id)
	require.NoError(t, err)
	assert.Equal(t, "A", got["title"])
	assert.Equal(t, "d", got["description"])

	err = s.Update(ctx, "projects", "missing", docstore.Record{"a": 1})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	_, err = s.Get(ctx, "projects", "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestMemorySetMerge(t *testing.T) {
	ctx := context.Background()
	s := docstore.NewMemory()
	require.NoError(t, s.Set(ctx, "users", "u1", docstore.Record{"email": "a@x.test", "role": "guest"}, docstore.SetOptions{}))
	require.NoError(t, s.Set(ctx, "users", "u1", docstore.Record{"role": "Admin"}, docstore.SetOptions{Merge: true}))
	got, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, docstore.Record{"email": "a@x.test", "role": "Admin"}, got)

	require.NoError(t, s.Set(ctx, "users", "u1", docstore.Record{"role": "Developer"}, docstore.SetOptions{}))
	got, err = s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, docstore.Record{"role": "Developer"}, got)
}

func TestMemoryQueryPredicates(t *testing.T) {
	ctx := context.Background()
	s := docstore.NewMemory()
	require.NoError(t, s.Set(ctx, "projects", "p1", docstore.Record{"currentPhase": "BA Phase", "developers": []any{}}, docstore.SetOptions{}))
	require.NoError(t, s.Set(ctx, "projects", "p2", docstore.Record{"currentPhase": "WBS Phase", "developers": []any{"dev@x.test"}}, docstore.SetOptions{}))
	require.NoError(t, s.Set(ctx, "projects", "p3", docstore.Record{"currentPhase": "Ideation Phase", "visibleToTeamLeads": true}, docstore.SetOptions{}))

	all, err := s.Query(ctx, "projects")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"p1", "p2", "p3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	notBA, err := s.Query(ctx, "projects", docstore.Where("currentPhase", docstore.OpNeq, "BA Phase"))
	require.NoError(t, err)
	assert.Len(t, notBA, 2)

	dev, err := s.Query(ctx, "projects", docstore.Where("developers", docstore.OpArrayContains, "dev@x.test"))
	require.NoError(t, err)
	require.Len(t, dev, 1)
	assert.Equal(t, "p2", dev[0].ID)

	visible, err := s.Query(ctx, "projects", docstore.Where("visibleToTeamLeads", docstore.OpEq, true))
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "p3", visible[0].ID)
}

type failingStore struct {
	docstore.Store
	calls int
}

func (f *failingStore) Get(ctx context.Context, collection, id string) (docstore.Record, error) {
	f.calls++
	if id == "missing" {
		return nil, docstore.ErrNotFound
	}
	return nil, errors.New("connection reset")
}

func TestBreakerWrapsFailuresAndTrips(t *testing.T) {
	ctx := context.Background()
	inner := &failingStore{Store: docstore.NewMemory()}
	b := docstore.NewBreaker(inner, docstore.BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute})

	_, err := b.Get(ctx, "projects", "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	var se *docstore.StoreError
	assert.False(t, errors.As(err, &se), "not found is not a store failure")

	_, err = b.Get(ctx, "projects", "p1")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get", se.Op)
	assert.Equal(t, "projects", se.Collection)

	_, _ = b.Get(ctx, "projects", "p1")
	assert.Equal(t, "open", b.State())

	calls := inner.calls
	_, err = b.Get(ctx, "projects", "p1")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, calls, inner.calls, "open breaker must not reach the backend")
}

func TestMemoryUpdateVersion(t *testing.T) {
	ctx := context.Background()
	b := docstore.NewBreaker(docstore.NewMemory(), docstore.BreakerConfig{MaxFailures: 1, OpenTimeout: time.Minute})

	id, err := b.Create(ctx, "projects", docstore.Record{"title": "A"})
	require.NoError(t, err)

	require.NoError(t, b.UpdateVersion(ctx, "projects", id, 0, docstore.Record{"title": "B"}))
	got, err := b.Get(ctx, "projects", id)
	require.NoError(t, err)
	assert.Equal(t, "B", got["title"])
	assert.Equal(t, int64(1), docstore.StoredVersion(got))

	for i := 0; i < 3; i++ {
		err = b.UpdateVersion(ctx, "projects", id, 0, docstore.Record{"title": "stale"})
		assert.ErrorIs(t, err, docstore.ErrConflict)
		var se *docstore.StoreError
		assert.False(t, errors.As(err, &se), "a conflict is not a store failure")
	}
	assert.Equal(t, "closed", b.State())

	assert.ErrorIs(t, b.UpdateVersion(ctx, "projects", "missing", 0, docstore.Record{}), docstore.ErrNotFound)
}
