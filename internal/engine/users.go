package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"phasegate/internal/docstore"
	"phasegate/internal/domain"
	"phasegate/internal/engine/auth"
	"phasegate/internal/events"
	"phasegate/internal/identity"
	"phasegate/internal/lifecycle"
)

// Me describes the caller and what it may do.
type Me struct {
	Actor        domain.Actor `json:"actor"`
	Registered   bool         `json:"registered"`
	Capabilities []string     `json:"capabilities"`
}

func (e Engine) WhoAmI(ctx context.Context) (Me, error) {
	a, err := e.actor(ctx)
	if err != nil {
		return Me{}, err
	}
	_, err = e.Repo.GetUser(ctx, a.ID)
	registered := err == nil
	return Me{Actor: a, Registered: registered, Capabilities: e.policy().ActorCapabilities(a.Role)}, nil
}

// EnsureUser registers the caller in the user directory on first sign-in. New users
// are always guests; only a role manager can grant more.
func (e Engine) EnsureUser(ctx context.Context) (u domain.User, created bool, err error) {
	start := e.now()
	defer func() { e.observe("ensure_user", start, err, logrus.Fields{"actor": u.Email}) }()
	if e.Identity == nil {
		return domain.User{}, false, ErrUnauthenticated
	}
	a, ok := e.Identity.CurrentActor(ctx)
	if !ok {
		return domain.User{}, false, ErrUnauthenticated
	}
	if a.ID == "" {
		a.ID = a.Email
	}
	u, created, err = e.Repo.EnsureUser(ctx, domain.User{ID: a.ID, Email: a.Email, Role: domain.RoleGuest})
	if err != nil {
		return domain.User{}, false, err
	}
	if created {
		e.emit(ctx, "", domain.Actor{ID: a.ID, Email: a.Email, Role: domain.RoleGuest},
			[]pendingEvent{{Type: events.UserRegistered, Payload: events.EventPayload{"userId": u.ID, "role": string(u.Role)}}})
	}
	return u, created, nil
}

// SetRole changes a registered user's role. Only role managers may call it.
func (e Engine) SetRole(ctx context.Context, userID, role string) (u domain.User, err error) {
	start := e.now()
	defer func() { e.observe("set_role", start, err, logrus.Fields{"user": userID}) }()
	a, err := e.actor(ctx)
	if err != nil {
		return domain.User{}, err
	}
	if err := e.policy().Require(a.Role, auth.RoleManage); err != nil {
		return domain.User{}, err
	}
	r, err := auth.ParseRole(role)
	if err != nil {
		return domain.User{}, invalidRole(err)
	}
	if err := e.Repo.AssignRole(ctx, userID, r); err != nil {
		return domain.User{}, err
	}
	e.emit(ctx, "", a, []pendingEvent{{Type: events.UserRoleChanged, Payload: events.EventPayload{"userId": userID, "role": role}}})
	return e.Repo.GetUser(ctx, userID)
}

// ListUsers lists the user directory, optionally restricted to one role.
func (e Engine) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	a, err := e.actor(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.policy().Require(a.Role, auth.UserList); err != nil {
		return nil, err
	}
	if role == "" {
		return e.Repo.ListUsers(ctx)
	}
	r, err := auth.ParseRole(role)
	if err != nil {
		return nil, invalidRole(err)
	}
	return e.Repo.ListUsers(ctx, docstore.Where("role", docstore.OpEq, string(r)))
}

// AsActor returns ctx carrying a, for callers that act on behalf of a user.
func AsActor(ctx context.Context, a domain.Actor) context.Context {
	return identity.WithActor(ctx, a)
}

func invalidRole(err error) error {
	return &lifecycle.ValidationError{Fields: map[string]string{"role": err.Error()}}
}
