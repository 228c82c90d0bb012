// Package identity resolves the caller of an operation. Authentication itself is
// external; providers only surface the already-established identity.
package identity

import (
	"context"

	"phasegate/internal/domain"
)

// Provider yields the current caller, or false when there is none.
type Provider interface {
	CurrentActor(ctx context.Context) (domain.Actor, bool)
}

type ctxKey struct{}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, a domain.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the actor stored by WithActor.
func FromContext(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(domain.Actor)
	if !ok || a.Email == "" {
		return domain.Actor{}, false
	}
	return a, true
}

// ContextProvider reads the actor placed on the request context by the transport.
type ContextProvider struct{}

func (ContextProvider) CurrentActor(ctx context.Context) (domain.Actor, bool) {
	return FromContext(ctx)
}

// Static always yields the same actor; the CLI uses it. A context actor still wins
// so embedding callers can override per call.
type Static struct {
	Actor domain.Actor
}

func (s Static) CurrentActor(ctx context.Context) (domain.Actor, bool) {
	if a, ok := FromContext(ctx); ok {
		return a, true
	}
	if s.Actor.Email == "" {
		return domain.Actor{}, false
	}
	a := s.Actor
	if a.ID == "" {
		a.ID = a.Email
	}
	return a, true
}
