package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"phasegate/internal/docstore"
	"phasegate/internal/domain"
	"phasegate/internal/engine/auth"
	"phasegate/internal/events"
	"phasegate/internal/identity"
	"phasegate/internal/lifecycle"
	"phasegate/internal/logging"
	"phasegate/internal/metrics"
	"phasegate/internal/repo"
)

// ErrUnauthenticated is returned when the identity provider yields no caller.
var ErrUnauthenticated = errors.New("no authenticated caller")

type Engine struct {
	Repo      repo.Repo
	Lifecycle lifecycle.Lifecycle
	Identity  identity.Provider
	Policy    auth.Policy
	Events    events.Writer
	Metrics   *metrics.Metrics
	Log       *logrus.Logger
	Now       func() time.Time

	locks *keyedMutex
}

func New(store docstore.Store, log *logrus.Logger) Engine {
	if log == nil {
		log = logging.Discard()
	}
	return Engine{
		Repo:      repo.Repo{Store: store},
		Lifecycle: lifecycle.New(),
		Identity:  identity.ContextProvider{},
		Policy:    auth.DefaultPolicy(),
		Events:    events.Writer{Store: store, Publisher: events.LogPublisher{Log: log}, Log: log},
		Log:       log,
		Now:       time.Now,
		locks:     newKeyedMutex(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) lifecycle() lifecycle.Lifecycle {
	lc := e.Lifecycle
	lc.Now = e.now
	return lc
}

func (e Engine) policy() auth.Policy {
	if e.Policy == nil {
		return auth.DefaultPolicy()
	}
	return e.Policy
}

func (e Engine) log() *logrus.Logger {
	if e.Log == nil {
		return logging.Discard()
	}
	return e.Log
}

// actor resolves the caller. A role stored in the user directory overrides the role
// asserted by the identity provider; unknown roles degrade to guest.
func (e Engine) actor(ctx context.Context) (domain.Actor, error) {
	if e.Identity == nil {
		return domain.Actor{}, ErrUnauthenticated
	}
	a, ok := e.Identity.CurrentActor(ctx)
	if !ok {
		return domain.Actor{}, ErrUnauthenticated
	}
	if a.ID == "" {
		a.ID = a.Email
	}
	u, err := e.Repo.GetUser(ctx, a.ID)
	switch {
	case err == nil:
		a.Role = u.Role
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Actor{}, err
	}
	if r, err := auth.ParseRole(string(a.Role)); err == nil {
		a.Role = r
	} else {
		a.Role = domain.RoleGuest
	}
	return a, nil
}

type pendingEvent struct {
	Type    string
	Payload events.EventPayload
}

// observe records metrics for one operation and logs failures.
func (e Engine) observe(op string, start time.Time, err error, fields logrus.Fields) {
	var se *docstore.StoreError
	if errors.As(err, &se) {
		e.Metrics.StoreFailure(se.Op)
	}
	e.Metrics.Observe(op, start, err, Classify)
	if err == nil {
		return
	}
	entry := e.log().WithFields(fields).WithField("op", op)
	if Classify(err) == "error" || Classify(err) == "store" {
		entry.Errorf("Event ID: ENGINE_OPERATION_FAILED, Description: %v", err)
		return
	}
	entry.Infof("Event ID: ENGINE_OPERATION_REJECTED, Description: %v", err)
}

// Classify maps an engine error onto a short outcome label.
func Classify(err error) string {
	var (
		ve  *lifecycle.ValidationError
		fe  auth.ForbiddenError
		fse auth.ForbiddenSignOffError
		se  *docstore.StoreError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.As(err, &fe), errors.As(err, &fse):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, lifecycle.ErrAlreadySignedOff), errors.Is(err, lifecycle.ErrWrongPhase),
		errors.Is(err, repo.ErrConflict):
		return "conflict"
	case errors.As(err, &se):
		return "store"
	default:
		return "error"
	}
}

// conflictRetries bounds how often mutate re-reads a project another process
// changed between read and write.
const conflictRetries = 3

// mutate runs one read-modify-write against a project under its lock. fn returns
// the new project and the events to record; no events means nothing changed and
// nothing is written. Events are recorded after the lock is released.
func (e Engine) mutate(ctx context.Context, op, projectID string, fn func(p domain.Project, a domain.Actor) (domain.Project, []pendingEvent, error)) (res domain.Project, err error) {
	start := e.now()
	var a domain.Actor
	defer func() {
		e.observe(op, start, err, logrus.Fields{"project": projectID, "actor": a.Email})
	}()

	a, err = e.actor(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if e.locks == nil {
		return domain.Project{}, errors.New("engine not initialized; use engine.New")
	}

	var evts []pendingEvent
	for attempt := 0; ; attempt++ {
		res, evts, err = e.apply(ctx, op, projectID, a, fn)
		if !errors.Is(err, repo.ErrConflict) || attempt == conflictRetries {
			break
		}
		e.log().WithFields(logrus.Fields{"project": projectID, "op": op, "attempt": attempt + 1}).
			Info("Event ID: PROJECT_VERSION_CONFLICT, Description: project changed concurrently, recomputing")
	}
	if len(evts) > 0 {
		e.record(projectID, evts)
		e.emit(ctx, projectID, a, evts)
	}
	if err != nil {
		return domain.Project{}, err
	}
	return res, nil
}

// apply is one locked attempt of mutate. Events are returned once the update is
// stored, even if the re-read after it fails.
func (e Engine) apply(ctx context.Context, op, projectID string, a domain.Actor, fn func(p domain.Project, a domain.Actor) (domain.Project, []pendingEvent, error)) (domain.Project, []pendingEvent, error) {
	unlock := e.locks.Lock(projectID)
	defer unlock()

	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, nil, err
	}
	next, evts, err := fn(p, a)
	if err != nil {
		return domain.Project{}, nil, err
	}
	if len(evts) == 0 {
		return p, nil, nil
	}
	next.Version = p.Version
	if err := e.Repo.UpdateProject(ctx, next); err != nil {
		return domain.Project{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	res, err := e.Repo.GetProject(ctx, projectID)
	return res, evts, err
}

// record updates the sign-off and promotion counters for stored events.
func (e Engine) record(projectID string, evts []pendingEvent) {
	for _, ev := range evts {
		switch ev.Type {
		case events.DocumentSigned:
			docType, _ := ev.Payload["type"].(string)
			e.Metrics.SignedOff(docType)
		case events.PhasePromoted:
			to, _ := ev.Payload["to"].(string)
			e.Metrics.Promoted(to)
			e.log().WithFields(logrus.Fields{"project": projectID, "to": to}).
				Info("Event ID: PROJECT_PROMOTED, Description: phase complete")
		}
	}
}

func (e Engine) emit(ctx context.Context, projectID string, a domain.Actor, evts []pendingEvent) {
	w := e.Events
	w.Now = e.now
	for _, ev := range evts {
		if _, err := w.Append(ctx, ev.Type, projectID, a.Email, ev.Payload); err != nil {
			e.log().WithFields(logrus.Fields{"project": projectID, "type": ev.Type}).
				Warnf("Event ID: EVENT_APPEND_FAILED, Description: %v", err)
		}
	}
}

// CreateProject creates a project in BA Phase.
func (e Engine) CreateProject(ctx context.Context, title, description string) (p domain.Project, err error) {
	start := e.now()
	var a domain.Actor
	defer func() {
		e.observe("create_project", start, err, logrus.Fields{"project": p.ID, "actor": a.Email})
	}()
	a, err = e.actor(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.policy().Require(a.Role, auth.ProjectCreate); err != nil {
		return domain.Project{}, err
	}
	p, err = e.lifecycle().NewProject(lifecycle.ProjectInput{Title: title, Description: description}, a)
	if err != nil {
		return domain.Project{}, err
	}
	id, err := e.Repo.InsertProject(ctx, p)
	if err != nil {
		return domain.Project{}, fmt.Errorf("create_project: %w", err)
	}
	e.emit(ctx, id, a, []pendingEvent{{Type: events.ProjectCreated, Payload: events.EventPayload{"title": p.Title}}})
	e.log().WithFields(logrus.Fields{"project": id, "actor": a.Email}).Info("Event ID: PROJECT_CREATED, Description: project created")
	return e.Repo.GetProject(ctx, id)
}

// canView reports whether the actor may read the project.
func (e Engine) canView(a domain.Actor, p domain.Project) bool {
	pol := e.policy()
	switch {
	case pol.Can(a.Role, auth.ProjectListAll):
		return true
	case pol.Can(a.Role, auth.ProjectListVisible) && p.VisibleToTeamLeads:
		return true
	case pol.Can(a.Role, auth.ProjectListAssigned) && p.HasDeveloper(a.Email):
		return true
	}
	return false
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	a, err := e.actor(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	if !e.canView(a, p) {
		return domain.Project{}, auth.ForbiddenError{Role: a.Role, Permission: auth.ProjectListAll}
	}
	return p, nil
}

// ListProjects returns the projects the caller's role may see: all of them,
// those visible to team leads, or those the caller is assigned to.
func (e Engine) ListProjects(ctx context.Context) (res []domain.Project, err error) {
	start := e.now()
	defer func() { e.observe("list_projects", start, err, nil) }()
	a, err := e.actor(ctx)
	if err != nil {
		return nil, err
	}
	pol := e.policy()
	switch {
	case pol.Can(a.Role, auth.ProjectListAll):
		return e.Repo.ListProjects(ctx)
	case pol.Can(a.Role, auth.ProjectListVisible):
		return e.Repo.ListProjects(ctx, docstore.Where("visibleToTeamLeads", docstore.OpEq, true))
	case pol.Can(a.Role, auth.ProjectListAssigned):
		return e.Repo.ListProjects(ctx, docstore.Where("developers", docstore.OpArrayContains, a.Email))
	}
	return nil, auth.ForbiddenError{Role: a.Role, Permission: auth.ProjectListAll}
}

// ProjectEvents returns the recorded lifecycle events of a project.
func (e Engine) ProjectEvents(ctx context.Context, id string) ([]events.Event, error) {
	if _, err := e.GetProject(ctx, id); err != nil {
		return nil, err
	}
	return e.Events.List(ctx, id)
}

type DocumentInput = lifecycle.DocumentInput

// SubmitDocument appends a URL document to the project's current phase.
func (e Engine) SubmitDocument(ctx context.Context, projectID string, in DocumentInput) (domain.Project, error) {
	return e.mutate(ctx, "submit_document", projectID, func(p domain.Project, a domain.Actor) (domain.Project, []pendingEvent, error) {
		if err := e.policy().Require(a.Role, auth.DocumentSubmit); err != nil {
			return p, nil, err
		}
		next, err := e.lifecycle().SubmitDocument(p, in, a)
		if err != nil {
			return p, nil, err
		}
		return next, []pendingEvent{{Type: events.DocumentAdded, Payload: events.EventPayload{
			"phase": string(next.CurrentPhase), "title": in.Title, "url": in.URL, "type": in.Type,
		}}}, nil
	})
}

// SignOff signs off the document of a timeline entry and promotes the project when
// the phase completes. Sign-off and promotion are persisted as one update.
func (e Engine) SignOff(ctx context.Context, projectID string, phaseIndex int, entryID string) (domain.Project, error) {
	return e.mutate(ctx, "sign_off", projectID, func(p domain.Project, a domain.Actor) (domain.Project, []pendingEvent, error) {
		entry, err := lifecycle.FindEntry(p, phaseIndex, entryID)
		if err != nil {
			return p, nil, err
		}
		if err := e.policy().RequireSignOff(a.Role, entry.Document.Type); err != nil {
			return p, nil, err
		}
		next, res, err := e.lifecycle().SignOff(p, phaseIndex, entryID, a)
		if err != nil {
			return p, nil, err
		}
		evts := []pendingEvent{{Type: events.DocumentSigned, Payload: events.EventPayload{
			"phaseIndex": phaseIndex, "entryId": entryID, "type": entry.Document.Type,
		}}}
		if res.Promoted {
			evts = append(evts, pendingEvent{Type: events.PhasePromoted, Payload: events.EventPayload{
				"from": string(p.CurrentPhase), "to": string(res.PromotedTo),
			}})
		}
		return next, evts, nil
	})
}

// SubmitBreakdown records High Level Breakdown or WBS rows for the current phase.
func (e Engine) SubmitBreakdown(ctx context.Context, projectID, kind string, rows []domain.BreakdownRow) (domain.Project, error) {
	return e.mutate(ctx, "submit_breakdown", projectID, func(p domain.Project, a domain.Actor) (domain.Project, []pendingEvent, error) {
		if _, ok := lifecycle.BreakdownTarget(kind); ok {
			if err := e.policy().Require(a.Role, auth.BreakdownCapability(kind)); err != nil {
				return p, nil, err
			}
		}
		next, err := e.lifecycle().SubmitBreakdown(p, kind, rows, a)
		if err != nil {
			return p, nil, err
		}
		return next, []pendingEvent{{Type: events.BreakdownAdded, Payload: events.EventPayload{
			"kind": kind, "rows": len(rows),
		}}}, nil
	})
}

// AssignDeveloper adds a developer to the project while it is in WBS Phase.
func (e Engine) AssignDeveloper(ctx context.Context, projectID, email string) (domain.Project, error) {
	return e.mutate(ctx, "assign_developer", projectID, func(p domain.Project, a domain.Actor) (domain.Project, []pendingEvent, error) {
		if err := e.policy().Require(a.Role, auth.DeveloperAssign); err != nil {
			return p, nil, err
		}
		next, added, err := e.lifecycle().AssignDeveloper(p, email, a)
		if err != nil || !added {
			return p, nil, err
		}
		return next, []pendingEvent{{Type: events.DeveloperAdded, Payload: events.EventPayload{"developer": email}}}, nil
	})
}
