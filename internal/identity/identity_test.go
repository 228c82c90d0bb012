package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"phasegate/internal/domain"
)

func TestContextProvider(t *testing.T) {
	_, ok := ContextProvider{}.CurrentActor(context.Background())
	assert.False(t, ok)

	want := domain.Actor{ID: "u1", Email: "ba@x.test", Role: domain.RoleBusinessAnalyst}
	got, ok := ContextProvider{}.CurrentActor(WithActor(context.Background(), want))
	assert.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = FromContext(WithActor(context.Background(), domain.Actor{ID: "x"}))
	assert.False(t, ok, "actor without email is not an identity")
}

func TestStatic(t *testing.T) {
	_, ok := Static{}.CurrentActor(context.Background())
	assert.False(t, ok)

	s := Static{Actor: domain.Actor{Email: "admin@x.test", Role: domain.RoleAdmin}}
	got, ok := s.CurrentActor(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "admin@x.test", got.ID)

	override := domain.Actor{ID: "u2", Email: "tl@x.test", Role: domain.RoleTeamLead}
	got, ok = s.CurrentActor(WithActor(context.Background(), override))
	assert.True(t, ok)
	assert.Equal(t, override, got)
}
