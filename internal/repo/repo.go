// Package repo maps domain records onto document store collections. Every write is
// sanitized before it reaches the store.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"phasegate/internal/docstore"
	"phasegate/internal/domain"
	"phasegate/internal/sanitize"
)

const (
	ProjectsCollection = "projects"
	UsersCollection    = "users"
)

// Fields written back by lifecycle mutations. Identity and creation metadata are
// never rewritten.
var MutableProjectFields = []string{"phases", "currentPhase", "currentPhaseIndex", "visibleToTeamLeads", "developers"}

type Repo struct {
	Store docstore.Store
}

var ErrNotFound = domain.ErrNotFound

// ErrConflict means the project changed since it was read; re-read and recompute.
var ErrConflict = docstore.ErrConflict

func encode(v any) (docstore.Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec docstore.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	delete(rec, "id")
	return sanitize.Clean(rec), nil
}

func decode(id string, rec docstore.Record, out any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", id, err)
	}
	return nil
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return err
}

func decodeProject(id string, rec docstore.Record) (domain.Project, error) {
	var p domain.Project
	if err := decode(id, rec, &p); err != nil {
		return p, err
	}
	p.ID = id
	if p.Developers == nil {
		p.Developers = []string{}
	}
	for i := range p.Phases {
		if p.Phases[i].Documents == nil {
			p.Phases[i].Documents = []domain.Document{}
		}
		if p.Phases[i].Timeline == nil {
			p.Phases[i].Timeline = []domain.TimelineEntry{}
		}
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("project %s: %w", id, err)
	}
	return p, nil
}

// InsertProject stores a new project and returns its store-assigned id.
func (r Repo) InsertProject(ctx context.Context, p domain.Project) (string, error) {
	rec, err := encode(p)
	if err != nil {
		return "", err
	}
	return r.Store.Create(ctx, ProjectsCollection, rec)
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	rec, err := r.Store.Get(ctx, ProjectsCollection, id)
	if err != nil {
		return domain.Project{}, notFound(err, "project", id)
	}
	return decodeProject(id, rec)
}

// ListProjects returns projects matching every predicate in creation order.
func (r Repo) ListProjects(ctx context.Context, preds ...docstore.Predicate) ([]domain.Project, error) {
	snaps, err := r.Store.Query(ctx, ProjectsCollection, preds...)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Project, 0, len(snaps))
	for _, s := range snaps {
		p, err := decodeProject(s.ID, s.Data)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// UpdateProject writes the named top-level fields of p as one partial update. The
// write only lands if the stored version still equals p.Version.
func (r Repo) UpdateProject(ctx context.Context, p domain.Project, fields ...string) error {
	if len(fields) == 0 {
		fields = MutableProjectFields
	}
	rec, err := encode(p)
	if err != nil {
		return err
	}
	partial := docstore.Record{}
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			partial[f] = v
		}
	}
	if err := r.Store.UpdateVersion(ctx, ProjectsCollection, p.ID, p.Version, partial); err != nil {
		return notFound(err, "project", p.ID)
	}
	return nil
}
