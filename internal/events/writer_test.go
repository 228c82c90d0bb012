package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phasegate/internal/docstore"
	"phasegate/internal/logging"
)

type recordingPublisher struct {
	got []Event
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, evt Event) error {
	r.got = append(r.got, evt)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestAppendPersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	w := Writer{
		Store:     docstore.NewMemory(),
		Publisher: pub,
		Log:       logging.Discard(),
		Now:       func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
	evt, err := w.Append(ctx, DocumentAdded, "p1", "ba@x.test", EventPayload{"title": "Spec"})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "2024-01-02T03:04:05Z", evt.Ts)

	_, err = w.Append(ctx, ProjectCreated, "p2", "ba@x.test", nil)
	require.NoError(t, err)
	require.Len(t, pub.got, 2)

	list, err := w.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, DocumentAdded, list[0].Type)
	assert.Equal(t, "Spec", list[0].Payload["title"])
	assert.Equal(t, evt.ID, list[0].ID)
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats down")}
	w := Writer{Store: docstore.NewMemory(), Publisher: pub, Log: logging.Discard()}
	_, err := w.Append(context.Background(), PhasePromoted, "p1", "admin@x.test", nil)
	assert.NoError(t, err)
	assert.Len(t, pub.got, 1)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "phasegate.p1.document.signed_off", Subject("phasegate", Event{ProjectID: "p1", Type: DocumentSigned}))
	assert.Equal(t, "pg.user.role_changed", Subject("pg", Event{Type: UserRoleChanged}))
	assert.Equal(t, "phasegate.x", Subject("", Event{Type: "x"}))
}
