package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a project, phase, timeline entry or user does not exist.
var ErrNotFound = errors.New("not found")

type PhaseName string

const (
	PhaseBA       PhaseName = "BA Phase"
	PhaseIdeation PhaseName = "Ideation Phase"
	PhaseWBS      PhaseName = "WBS Phase"
)

// PhaseOrder is the fixed lifecycle enumeration. A project's phases are always a prefix of it.
var PhaseOrder = []PhaseName{PhaseBA, PhaseIdeation, PhaseWBS}

const (
	DocTypeBRD                = "BRD"
	DocTypeWalkthrough        = "Walkthrough"
	DocTypeHighLevelBreakdown = "High Level Breakdown"
	DocTypeWBS                = "WBS"
)

// IsBreakdownType reports whether a document type carries structured rows instead of a URL.
func IsBreakdownType(t string) bool {
	return t == DocTypeHighLevelBreakdown || t == DocTypeWBS
}

type Role string

const (
	RoleGuest            Role = "guest"
	RoleAdmin            Role = "Admin"
	RoleDeveloper        Role = "Developer"
	RoleQualityAssurance Role = "Quality Assurance"
	RoleBusinessAnalyst  Role = "Business Analyst"
	RoleTeamLead         Role = "Team Lead"
	RoleITOps            Role = "IT OPS"
	RoleSuperAdmin       Role = "Super Admin"
)

// Roles lists every known role in display order.
var Roles = []Role{
	RoleGuest, RoleAdmin, RoleDeveloper, RoleQualityAssurance,
	RoleBusinessAnalyst, RoleTeamLead, RoleITOps, RoleSuperAdmin,
}

type Project struct {
	ID                 string    `json:"id,omitempty"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	CreatedBy          string    `json:"createdBy"`
	CreatedAt          string    `json:"createdAt" format:"date-time"`
	Developers         []string  `json:"developers"`
	Phases             []Phase   `json:"phases"`
	CurrentPhase       PhaseName `json:"currentPhase"`
	CurrentPhaseIndex  int       `json:"currentPhaseIndex"`
	VisibleToTeamLeads bool      `json:"visibleToTeamLeads"`
	// Version counts persisted mutations and guards concurrent writers.
	Version            int64     `json:"version"`
}

type Phase struct {
	Name      PhaseName       `json:"name"`
	Documents []Document      `json:"documents"`
	Timeline  []TimelineEntry `json:"timeline"`
}

type Document struct {
	Title       string         `json:"title,omitempty"`
	URL         string         `json:"url,omitempty"`
	Type        string         `json:"type"`
	Data        []BreakdownRow `json:"data,omitempty"`
	Ref         string         `json:"ref,omitempty"`
	AddedBy     string         `json:"addedBy"`
	AddedAt     string         `json:"addedAt" format:"date-time"`
	SignedOff   bool           `json:"signedOff"`
	SignedOffBy string         `json:"signedOffBy,omitempty"`
}

type BreakdownRow struct {
	Task     string  `json:"task"`
	Platform string  `json:"platform"`
	Estimate float64 `json:"estimate"`
}

type TimelineEntry struct {
	ID          string    `json:"id"`
	Event       string    `json:"event"`
	Date        string    `json:"date" format:"date-time"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	AddedBy     string    `json:"addedBy,omitempty"`
	PromotedBy  string    `json:"promotedBy,omitempty"`
	SignedOffBy string    `json:"signedOffBy,omitempty"`
	Developer   string    `json:"developer,omitempty"`
	Document    *Document `json:"document,omitempty"`
}

type User struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// Actor is the authenticated caller as reported by the identity provider.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// Current returns the phase at the cursor.
func (p Project) Current() Phase {
	return p.Phases[p.CurrentPhaseIndex]
}

// HasDeveloper reports whether email is assigned to the project.
func (p Project) HasDeveloper(email string) bool {
	for _, d := range p.Developers {
		if d == email {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a stored project.
func (p Project) Validate() error {
	if len(p.Phases) == 0 {
		return errors.New("project has no phases")
	}
	if len(p.Phases) > len(PhaseOrder) {
		return fmt.Errorf("project has %d phases, lifecycle defines %d", len(p.Phases), len(PhaseOrder))
	}
	for i, ph := range p.Phases {
		if ph.Name != PhaseOrder[i] {
			return fmt.Errorf("phase %d is %q, expected %q", i, ph.Name, PhaseOrder[i])
		}
	}
	if p.CurrentPhaseIndex != len(p.Phases)-1 {
		return fmt.Errorf("current phase index %d does not point at last phase %d", p.CurrentPhaseIndex, len(p.Phases)-1)
	}
	if p.CurrentPhase != p.Phases[p.CurrentPhaseIndex].Name {
		return fmt.Errorf("current phase %q does not match %q", p.CurrentPhase, p.Phases[p.CurrentPhaseIndex].Name)
	}
	return nil
}

// Clone returns a deep copy so callers can derive a new state without touching the original.
func (p Project) Clone() Project {
	out := p
	if p.Developers != nil {
		out.Developers = make([]string, len(p.Developers))
		copy(out.Developers, p.Developers)
	}
	out.Phases = make([]Phase, len(p.Phases))
	for i, ph := range p.Phases {
		out.Phases[i] = ph.clone()
	}
	return out
}

func (ph Phase) clone() Phase {
	out := Phase{Name: ph.Name}
	out.Documents = make([]Document, len(ph.Documents))
	for i, d := range ph.Documents {
		out.Documents[i] = d.Clone()
	}
	out.Timeline = make([]TimelineEntry, len(ph.Timeline))
	for i, e := range ph.Timeline {
		out.Timeline[i] = e
		if e.Document != nil {
			d := e.Document.Clone()
			out.Timeline[i].Document = &d
		}
	}
	return out
}

func (d Document) Clone() Document {
	out := d
	if d.Data != nil {
		out.Data = make([]BreakdownRow, len(d.Data))
		copy(out.Data, d.Data)
	}
	return out
}
