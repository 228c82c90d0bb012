package repo

import (
	"context"
	"errors"

	"phasegate/internal/docstore"
	"phasegate/internal/domain"
)

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	rec, err := r.Store.Get(ctx, UsersCollection, id)
	if err != nil {
		return domain.User{}, notFound(err, "user", id)
	}
	var u domain.User
	if err := decode(id, rec, &u); err != nil {
		return u, err
	}
	u.ID = id
	return u, nil
}

// FindUserByEmail returns the first user registered with email.
func (r Repo) FindUserByEmail(ctx context.Context, email string) (domain.User, error) {
	users, err := r.ListUsers(ctx, docstore.Where("email", docstore.OpEq, email))
	if err != nil {
		return domain.User{}, err
	}
	if len(users) == 0 {
		return domain.User{}, notFound(docstore.ErrNotFound, "user", email)
	}
	return users[0], nil
}

// EnsureUser registers the user with the given role unless it already exists. It
// reports whether a record was created.
func (r Repo) EnsureUser(ctx context.Context, u domain.User) (domain.User, bool, error) {
	existing, err := r.GetUser(ctx, u.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.User{}, false, err
	}
	rec, err := encode(u)
	if err != nil {
		return domain.User{}, false, err
	}
	if err := r.Store.Set(ctx, UsersCollection, u.ID, rec, docstore.SetOptions{}); err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}

// AssignRole merges the role into an existing user record.
func (r Repo) AssignRole(ctx context.Context, id string, role domain.Role) error {
	if _, err := r.GetUser(ctx, id); err != nil {
		return err
	}
	return r.Store.Set(ctx, UsersCollection, id, docstore.Record{"role": string(role)}, docstore.SetOptions{Merge: true})
}

func (r Repo) ListUsers(ctx context.Context, preds ...docstore.Predicate) ([]domain.User, error) {
	snaps, err := r.Store.Query(ctx, UsersCollection, preds...)
	if err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(snaps))
	for _, s := range snaps {
		var u domain.User
		if err := decode(s.ID, s.Data, &u); err != nil {
			return nil, err
		}
		u.ID = s.ID
		res = append(res, u)
	}
	return res, nil
}
