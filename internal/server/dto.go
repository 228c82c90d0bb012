package server

import (
	"phasegate/internal/domain"
	"phasegate/internal/engine"
	"phasegate/internal/events"
)

// Request payloads. Fields are optional in the schema so the engine reports
// missing values as field-level validation errors.

type CreateProjectRequest struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type SubmitDocumentRequest struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty" example:"https://docs.example.com/brd"`
	Type  string `json:"type,omitempty" example:"BRD"`
}

type BreakdownRowRequest struct {
	Task     string  `json:"task,omitempty"`
	Platform string  `json:"platform,omitempty"`
	Estimate float64 `json:"estimate,omitempty"`
}

type SubmitBreakdownRequest struct {
	Kind string                `json:"kind,omitempty" example:"High Level Breakdown"`
	Rows []BreakdownRowRequest `json:"rows,omitempty"`
}

type AssignDeveloperRequest struct {
	Email string `json:"email,omitempty" example:"dev@example.com"`
}

type SetRoleRequest struct {
	Role string `json:"role,omitempty" example:"Team Lead"`
}

type DevLoginRequest struct {
	Email      string `json:"email"`
	ID         string `json:"id,omitempty"`
	Role       string `json:"role,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// Response payloads

type ProjectResponse = domain.Project

type UserResponse = domain.User

type EventResponse = events.Event

type MeResponse = engine.Me

type EnsureUserResponse struct {
	User    UserResponse `json:"user"`
	Created bool         `json:"created"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
	Store  string `json:"store,omitempty" example:"closed"`
}

func projectResponse(p domain.Project) ProjectResponse {
	p.Developers = nonNilSlice(p.Developers)
	p.Phases = nonNilSlice(p.Phases)
	for i := range p.Phases {
		p.Phases[i].Documents = nonNilSlice(p.Phases[i].Documents)
		p.Phases[i].Timeline = nonNilSlice(p.Phases[i].Timeline)
	}
	return p
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func breakdownRows(in []BreakdownRowRequest) []domain.BreakdownRow {
	out := make([]domain.BreakdownRow, 0, len(in))
	for _, r := range in {
		out = append(out, domain.BreakdownRow{Task: r.Task, Platform: r.Platform, Estimate: r.Estimate})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
