// Package lifecycle is the phase progression and sign-off state machine. Every
// operation takes a project value and returns a new one; inputs are never mutated
// and nothing here performs I/O.
package lifecycle

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"phasegate/internal/domain"
)

const (
	EventProjectCreated = "Project created"
	EventDocumentAdded  = "Document added"
	EventDeveloperAdded = "Developer added"
)

var urlPattern = regexp.MustCompile(`(?i)^https?://`)

// allowedTypes maps a phase to the URL document types it accepts.
var allowedTypes = map[domain.PhaseName][]string{
	domain.PhaseBA:  {domain.DocTypeBRD},
	domain.PhaseWBS: {domain.DocTypeWalkthrough},
}

// breakdownTargets maps a breakdown kind to the phase it belongs to.
var breakdownTargets = map[string]domain.PhaseName{
	domain.DocTypeHighLevelBreakdown: domain.PhaseIdeation,
	domain.DocTypeWBS:                domain.PhaseWBS,
}

type promotion struct {
	to              domain.PhaseName
	showToTeamLeads bool
}

// promotions is exhaustive; phases absent here are terminal.
var promotions = map[domain.PhaseName]promotion{
	domain.PhaseBA:       {to: domain.PhaseIdeation, showToTeamLeads: true},
	domain.PhaseIdeation: {to: domain.PhaseWBS},
}

type Lifecycle struct {
	Now   func() time.Time
	NewID func() string
}

func New() Lifecycle {
	return Lifecycle{Now: time.Now, NewID: uuid.NewString}
}

func (l Lifecycle) now() string {
	if l.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return l.Now().UTC().Format(time.RFC3339)
}

func (l Lifecycle) id() string {
	if l.NewID == nil {
		return uuid.NewString()
	}
	return l.NewID()
}

// AllowedDocumentTypes returns the URL document types the phase accepts.
func AllowedDocumentTypes(phase domain.PhaseName) []string {
	return append([]string(nil), allowedTypes[phase]...)
}

// BreakdownTarget returns the phase a breakdown kind is submitted to.
func BreakdownTarget(kind string) (domain.PhaseName, bool) {
	p, ok := breakdownTargets[kind]
	return p, ok
}

// PhaseComplete reports whether every document of the phase is signed off. An empty
// phase is vacuously complete.
func PhaseComplete(ph domain.Phase) bool {
	for _, d := range ph.Documents {
		if !d.SignedOff {
			return false
		}
	}
	return true
}

type ProjectInput struct {
	Title       string
	Description string
}

// NewProject returns a project in BA Phase with a single "Project created" entry.
func (l Lifecycle) NewProject(in ProjectInput, actor domain.Actor) (domain.Project, error) {
	v := validation{}
	if strings.TrimSpace(in.Title) == "" {
		v.add("title", "title is required")
	}
	if err := v.err(); err != nil {
		return domain.Project{}, err
	}
	now := l.now()
	return domain.Project{
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		CreatedBy:   actor.Email,
		CreatedAt:   now,
		Developers:  []string{},
		Phases: []domain.Phase{{
			Name:      domain.PhaseBA,
			Documents: []domain.Document{},
			Timeline: []domain.TimelineEntry{{
				ID:        l.id(),
				Event:     EventProjectCreated,
				Date:      now,
				CreatedBy: actor.Email,
			}},
		}},
		CurrentPhase:      domain.PhaseBA,
		CurrentPhaseIndex: 0,
	}, nil
}

type DocumentInput struct {
	Title string
	URL   string
	Type  string
}

// SubmitDocument appends a URL document and its "Document added" entry to the
// current phase. All field violations are reported together.
func (l Lifecycle) SubmitDocument(p domain.Project, in DocumentInput, actor domain.Actor) (domain.Project, error) {
	if err := p.Validate(); err != nil {
		return p, err
	}
	v := validation{}
	if strings.TrimSpace(in.Title) == "" {
		v.add("title", "title is required")
	}
	switch {
	case strings.TrimSpace(in.URL) == "":
		v.add("url", "url is required")
	case !urlPattern.MatchString(in.URL):
		v.add("url", "url must start with http:// or https://")
	}
	allowed := allowedTypes[p.CurrentPhase]
	switch {
	case strings.TrimSpace(in.Type) == "":
		v.add("type", "type is required")
	case len(allowed) == 0:
		v.add("type", fmt.Sprintf("%s does not accept documents", p.CurrentPhase))
	case !contains(allowed, in.Type):
		v.add("type", fmt.Sprintf("type must be one of %s in %s", strings.Join(allowed, ", "), p.CurrentPhase))
	}
	if err := v.err(); err != nil {
		return p, err
	}

	now := l.now()
	doc := domain.Document{
		Title:   in.Title,
		URL:     in.URL,
		Type:    in.Type,
		AddedBy: actor.Email,
		AddedAt: now,
	}
	out := p.Clone()
	cur := &out.Phases[out.CurrentPhaseIndex]
	cur.Documents = append(cur.Documents, doc)
	snap := doc.Clone()
	cur.Timeline = append(cur.Timeline, domain.TimelineEntry{
		ID:       l.id(),
		Event:    EventDocumentAdded,
		Date:     now,
		AddedBy:  actor.Email,
		Document: &snap,
	})
	return out, nil
}

// FindEntry returns the timeline entry id in the phase at phaseIndex. The entry must
// carry a document.
func FindEntry(p domain.Project, phaseIndex int, entryID string) (domain.TimelineEntry, error) {
	if phaseIndex < 0 || phaseIndex >= len(p.Phases) {
		return domain.TimelineEntry{}, fmt.Errorf("phase %d: %w", phaseIndex, domain.ErrNotFound)
	}
	for _, e := range p.Phases[phaseIndex].Timeline {
		if e.ID != entryID {
			continue
		}
		if e.Document == nil {
			return domain.TimelineEntry{}, fmt.Errorf("timeline entry %s has no document: %w", entryID, domain.ErrNotFound)
		}
		return e, nil
	}
	return domain.TimelineEntry{}, fmt.Errorf("timeline entry %s: %w", entryID, domain.ErrNotFound)
}

// Outcome describes what a sign-off changed.
type Outcome struct {
	Document   domain.Document
	Promoted   bool
	PromotedTo domain.PhaseName
}

// SignOff marks the document of a timeline entry as signed off in both the phase's
// document list and every timeline copy, then promotes the project when the
// current phase becomes complete. Authorization is the caller's concern.
func (l Lifecycle) SignOff(p domain.Project, phaseIndex int, entryID string, actor domain.Actor) (domain.Project, Outcome, error) {
	if err := p.Validate(); err != nil {
		return p, Outcome{}, err
	}
	entry, err := FindEntry(p, phaseIndex, entryID)
	if err != nil {
		return p, Outcome{}, err
	}
	if entry.Document.SignedOff {
		return p, Outcome{}, fmt.Errorf("timeline entry %s: %w", entryID, ErrAlreadySignedOff)
	}
	key := matchKey(entry)

	out := p.Clone()
	ph := &out.Phases[phaseIndex]
	matched := false
	for i := range ph.Documents {
		d := &ph.Documents[i]
		if d.SignedOff || !key.matches(*d) {
			continue
		}
		d.SignedOff = true
		d.SignedOffBy = actor.Email
		matched = true
	}
	if !matched && !domain.IsBreakdownType(entry.Document.Type) {
		return p, Outcome{}, fmt.Errorf("document %q for entry %s: %w", entry.Document.Title, entryID, domain.ErrNotFound)
	}
	var signed domain.Document
	for i := range ph.Timeline {
		e := &ph.Timeline[i]
		if e.Document == nil || e.Document.SignedOff {
			continue
		}
		if e.ID != entryID && !key.matchesEntry(*e) {
			continue
		}
		e.Document.SignedOff = true
		e.Document.SignedOffBy = actor.Email
		e.SignedOffBy = actor.Email
		if e.ID == entryID {
			signed = e.Document.Clone()
		}
	}

	res := Outcome{Document: signed}
	if phaseIndex != out.CurrentPhaseIndex || len(ph.Documents) == 0 || !PhaseComplete(*ph) {
		return out, res, nil
	}
	next, ok := promotions[ph.Name]
	if !ok {
		return out, res, nil
	}
	out.Phases = append(out.Phases, domain.Phase{
		Name:      next.to,
		Documents: []domain.Document{},
		Timeline: []domain.TimelineEntry{{
			ID:         l.id(),
			Event:      fmt.Sprintf("Project promoted to %s", next.to),
			Date:       l.now(),
			PromotedBy: actor.Email,
		}},
	})
	out.CurrentPhaseIndex = len(out.Phases) - 1
	out.CurrentPhase = next.to
	if next.showToTeamLeads {
		out.VisibleToTeamLeads = true
	}
	res.Promoted = true
	res.PromotedTo = next.to
	return out, res, nil
}

// docKey identifies the document list twin of a timeline copy: URL documents by
// (title, url), breakdowns by the introducing entry id.
type docKey struct {
	ref        string
	title, url string
}

func matchKey(e domain.TimelineEntry) docKey {
	if domain.IsBreakdownType(e.Document.Type) {
		ref := e.Document.Ref
		if ref == "" {
			ref = e.ID
		}
		return docKey{ref: ref}
	}
	return docKey{title: e.Document.Title, url: e.Document.URL}
}

func (k docKey) matches(d domain.Document) bool {
	if k.ref != "" {
		return d.Ref == k.ref
	}
	return !domain.IsBreakdownType(d.Type) && d.Title == k.title && d.URL == k.url
}

func (k docKey) matchesEntry(e domain.TimelineEntry) bool {
	if k.ref != "" {
		return e.ID == k.ref
	}
	return k.matches(*e.Document)
}

// SubmitBreakdown records structured rows for kind in its target phase, which must
// be the current phase. The breakdown is added to the phase's documents as well as
// the timeline so that it takes part in completeness.
func (l Lifecycle) SubmitBreakdown(p domain.Project, kind string, rows []domain.BreakdownRow, actor domain.Actor) (domain.Project, error) {
	if err := p.Validate(); err != nil {
		return p, err
	}
	v := validation{}
	target, ok := breakdownTargets[kind]
	if !ok {
		v.add("kind", fmt.Sprintf("kind must be %q or %q", domain.DocTypeHighLevelBreakdown, domain.DocTypeWBS))
	}
	if len(rows) == 0 {
		v.add("rows", "at least one row is required")
	}
	for i, r := range rows {
		if r.Estimate < 0 {
			v.add(fmt.Sprintf("rows[%d].estimate", i), "estimate must not be negative")
		}
	}
	if err := v.err(); err != nil {
		return p, err
	}
	if p.CurrentPhase != target {
		return p, fmt.Errorf("%s requires %s, project is in %s: %w", kind, target, p.CurrentPhase, ErrWrongPhase)
	}

	now := l.now()
	entryID := l.id()
	data := make([]domain.BreakdownRow, len(rows))
	copy(data, rows)
	doc := domain.Document{
		Type:    kind,
		Data:    data,
		Ref:     entryID,
		AddedBy: actor.Email,
		AddedAt: now,
	}
	out := p.Clone()
	cur := &out.Phases[out.CurrentPhaseIndex]
	cur.Documents = append(cur.Documents, doc)
	snap := doc.Clone()
	cur.Timeline = append(cur.Timeline, domain.TimelineEntry{
		ID:       entryID,
		Event:    kind + " added",
		Date:     now,
		AddedBy:  actor.Email,
		Document: &snap,
	})
	return out, nil
}

// AssignDeveloper adds email to the developer set while the project is in WBS
// Phase. It reports false when the developer was already assigned, in which case
// the project is returned unchanged.
func (l Lifecycle) AssignDeveloper(p domain.Project, email string, actor domain.Actor) (domain.Project, bool, error) {
	if err := p.Validate(); err != nil {
		return p, false, err
	}
	email = strings.TrimSpace(email)
	v := validation{}
	if email == "" {
		v.add("developer", "developer email is required")
	} else if _, err := mail.ParseAddress(email); err != nil {
		v.add("developer", "developer must be an email address")
	}
	if err := v.err(); err != nil {
		return p, false, err
	}
	if p.CurrentPhase != domain.PhaseWBS {
		return p, false, fmt.Errorf("developers are assigned in %s, project is in %s: %w", domain.PhaseWBS, p.CurrentPhase, ErrWrongPhase)
	}
	if p.HasDeveloper(email) {
		return p, false, nil
	}
	out := p.Clone()
	out.Developers = append(out.Developers, email)
	cur := &out.Phases[out.CurrentPhaseIndex]
	cur.Timeline = append(cur.Timeline, domain.TimelineEntry{
		ID:        l.id(),
		Event:     EventDeveloperAdded,
		Date:      l.now(),
		AddedBy:   actor.Email,
		Developer: email,
	})
	return out, true, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
