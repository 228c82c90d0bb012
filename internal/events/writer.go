// Package events records lifecycle events in the store's events collection and
// fans them out to a publisher.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"phasegate/internal/docstore"
)

const Collection = "events"

const (
	ProjectCreated  = "project.created"
	DocumentAdded   = "document.added"
	DocumentSigned  = "document.signed_off"
	PhasePromoted   = "phase.promoted"
	BreakdownAdded  = "breakdown.added"
	DeveloperAdded  = "developer.added"
	UserRegistered  = "user.registered"
	UserRoleChanged = "user.role_changed"
)

type EventPayload map[string]any

type Event struct {
	ID        string       `json:"id,omitempty"`
	Ts        string       `json:"ts"`
	Type      string       `json:"type"`
	ProjectID string       `json:"projectId,omitempty"`
	ActorID   string       `json:"actorId"`
	Payload   EventPayload `json:"payload,omitempty"`
}

// Publisher delivers events to subscribers outside the process.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

type Writer struct {
	Store     docstore.Store
	Publisher Publisher
	Log       *logrus.Logger
	Now       func() time.Time
}

// Append persists the event and publishes it. Persistence failures are returned;
// publish failures are only logged since the project write already happened.
func (w Writer) Append(ctx context.Context, evtType, projectID, actorID string, payload EventPayload) (Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	evt := Event{
		Ts:        w.Now().UTC().Format(time.RFC3339),
		Type:      evtType,
		ProjectID: projectID,
		ActorID:   actorID,
		Payload:   payload,
	}
	if w.Store != nil {
		rec, err := toRecord(evt)
		if err != nil {
			return evt, err
		}
		id, err := w.Store.Create(ctx, Collection, rec)
		if err != nil {
			return evt, fmt.Errorf("append event %s: %w", evtType, err)
		}
		evt.ID = id
	}
	if w.Publisher != nil {
		if err := w.Publisher.Publish(ctx, evt); err != nil && w.Log != nil {
			w.Log.WithFields(logrus.Fields{"type": evtType, "project": projectID}).
				Warnf("Event ID: EVENT_PUBLISH_FAILED, Description: %v", err)
		}
	}
	return evt, nil
}

// List returns the stored events of a project in append order.
func (w Writer) List(ctx context.Context, projectID string) ([]Event, error) {
	if w.Store == nil {
		return nil, nil
	}
	snaps, err := w.Store.Query(ctx, Collection, docstore.Where("projectId", docstore.OpEq, projectID))
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(snaps))
	for _, s := range snaps {
		b, err := json.Marshal(s.Data)
		if err != nil {
			return nil, err
		}
		var evt Event
		if err := json.Unmarshal(b, &evt); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", s.ID, err)
		}
		evt.ID = s.ID
		out = append(out, evt)
	}
	return out, nil
}

func toRecord(evt Event) (docstore.Record, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	var rec docstore.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	delete(rec, "id")
	return rec, nil
}

// LogPublisher writes events to the process log.
type LogPublisher struct {
	Log *logrus.Logger
}

func (p LogPublisher) Publish(_ context.Context, evt Event) error {
	if p.Log == nil {
		return nil
	}
	p.Log.WithFields(logrus.Fields{
		"type":    evt.Type,
		"project": evt.ProjectID,
		"actor":   evt.ActorID,
	}).Infof("Event ID: %s, Description: lifecycle event", Subject("phasegate", evt))
	return nil
}

func (LogPublisher) Close() error { return nil }

// NATSPublisher publishes JSON events on <prefix>.<projectID>.<type>.
type NATSPublisher struct {
	Conn   *nats.Conn
	Prefix string
}

func NewNATSPublisher(url, prefix, name string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{Conn: conn, Prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.Conn.Publish(Subject(p.Prefix, evt), data)
}

func (p *NATSPublisher) Close() error {
	if p.Conn == nil {
		return nil
	}
	return p.Conn.Drain()
}

// Subject builds the notification subject for an event.
func Subject(prefix string, evt Event) string {
	if prefix == "" {
		prefix = "phasegate"
	}
	if evt.ProjectID == "" {
		return prefix + "." + evt.Type
	}
	return prefix + "." + evt.ProjectID + "." + evt.Type
}
