package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phasegate/internal/docstore"
	"phasegate/internal/domain"
)

func sampleProject() domain.Project {
	return domain.Project{
		Title:      "Portal",
		CreatedBy:  "ba@x.test",
		CreatedAt:  "2024-01-01T00:00:00Z",
		Developers: []string{},
		Phases: []domain.Phase{{
			Name:      domain.PhaseBA,
			Documents: []domain.Document{},
			Timeline:  []domain.TimelineEntry{{ID: "e1", Event: "Project created", Date: "2024-01-01T00:00:00Z", CreatedBy: "ba@x.test"}},
		}},
		CurrentPhase: domain.PhaseBA,
	}
}

func TestProjectRoundTripIsSanitized(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	r := Repo{Store: store}

	id, err := r.InsertProject(ctx, sampleProject())
	require.NoError(t, err)

	raw, err := store.Get(ctx, ProjectsCollection, id)
	require.NoError(t, err)
	assert.NotContains(t, raw, "id", "key is not duplicated into the record")
	assert.NotContains(t, raw, "description", "empty optional fields are not written")
	assert.Equal(t, "BA Phase", raw["currentPhase"])

	p, err := r.GetProject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, []string{}, p.Developers)
	assert.Equal(t, "Project created", p.Phases[0].Timeline[0].Event)
}

func TestUpdateProjectWritesOnlyMutableFields(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	r := Repo{Store: store}
	id, err := r.InsertProject(ctx, sampleProject())
	require.NoError(t, err)

	p, err := r.GetProject(ctx, id)
	require.NoError(t, err)
	p.Title = "renamed"
	p.VisibleToTeamLeads = true
	require.NoError(t, r.UpdateProject(ctx, p))

	got, err := r.GetProject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Portal", got.Title)
	assert.True(t, got.VisibleToTeamLeads)

	p.ID = "missing"
	assert.ErrorIs(t, r.UpdateProject(ctx, p), ErrNotFound)
	_, err = r.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProjectRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	r := Repo{Store: docstore.NewMemory()}
	id, err := r.InsertProject(ctx, sampleProject())
	require.NoError(t, err)

	a, err := r.GetProject(ctx, id)
	require.NoError(t, err)
	b, err := r.GetProject(ctx, id)
	require.NoError(t, err)

	a.Developers = []string{"a@x.test"}
	require.NoError(t, r.UpdateProject(ctx, a))
	b.Developers = []string{"b@x.test"}
	assert.ErrorIs(t, r.UpdateProject(ctx, b), ErrConflict)

	got, err := r.GetProject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, []string{"a@x.test"}, got.Developers)
}

func TestGetProjectRejectsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	require.NoError(t, store.Set(ctx, ProjectsCollection, "bad", docstore.Record{
		"title":             "x",
		"phases":            []any{map[string]any{"name": "WBS Phase"}},
		"currentPhase":      "WBS Phase",
		"currentPhaseIndex": 0,
	}, docstore.SetOptions{}))
	_, err := Repo{Store: store}.GetProject(ctx, "bad")
	assert.Error(t, err)
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	r := Repo{Store: docstore.NewMemory()}

	u, created, err := r.EnsureUser(ctx, domain.User{ID: "u1", Email: "a@x.test", Role: domain.RoleGuest})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.RoleGuest, u.Role)

	require.NoError(t, r.AssignRole(ctx, "u1", domain.RoleDeveloper))
	u, created, err = r.EnsureUser(ctx, domain.User{ID: "u1", Email: "a@x.test", Role: domain.RoleGuest})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.RoleDeveloper, u.Role)

	_, _, err = r.EnsureUser(ctx, domain.User{ID: "u2", Email: "b@x.test", Role: domain.RoleGuest})
	require.NoError(t, err)
	devs, err := r.ListUsers(ctx, docstore.Where("role", docstore.OpEq, string(domain.RoleDeveloper)))
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "a@x.test", devs[0].Email)

	found, err := r.FindUserByEmail(ctx, "b@x.test")
	require.NoError(t, err)
	assert.Equal(t, "u2", found.ID)
	_, err = r.FindUserByEmail(ctx, "c@x.test")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.AssignRole(ctx, "u9", domain.RoleAdmin), ErrNotFound)
}
