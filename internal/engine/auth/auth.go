// Package auth holds the closed role set's capability table. Checks happen once,
// at the engine boundary.
package auth

import (
	"fmt"
	"sort"

	"phasegate/internal/config"
	"phasegate/internal/domain"
)

type Capability string

const (
	ProjectCreate       Capability = "project.create"
	ProjectListAll      Capability = "project.list.all"
	ProjectListVisible  Capability = "project.list.visible"
	ProjectListAssigned Capability = "project.list.assigned"
	DocumentSubmit      Capability = "document.submit"
	BreakdownHLBSubmit  Capability = "breakdown.hlb.submit"
	BreakdownWBSSubmit  Capability = "breakdown.wbs.submit"
	DeveloperAssign     Capability = "developer.assign"
	SignOffDocument     Capability = "signoff.document"
	SignOffBreakdown    Capability = "signoff.breakdown"
	UserList            Capability = "user.list"
	RoleManage          Capability = "role.manage"
)

// Capabilities lists every known capability.
var Capabilities = []Capability{
	ProjectCreate, ProjectListAll, ProjectListVisible, ProjectListAssigned,
	DocumentSubmit, BreakdownHLBSubmit, BreakdownWBSSubmit, DeveloperAssign,
	SignOffDocument, SignOffBreakdown, UserList, RoleManage,
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Role       domain.Role
	Permission Capability
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required (role %q)", e.Permission, e.Role)
}

// ForbiddenSignOffError indicates the role may not sign off documents of a type.
type ForbiddenSignOffError struct {
	Role domain.Role
	Type string
}

func (e ForbiddenSignOffError) Error() string {
	return fmt.Sprintf("role %q may not sign off %s documents", e.Role, e.Type)
}

// Policy maps each role to the capabilities it holds.
type Policy map[domain.Role]map[Capability]bool

// DefaultPolicy is the built-in capability table.
func DefaultPolicy() Policy {
	return build(map[domain.Role][]Capability{
		domain.RoleAdmin:           {ProjectCreate, ProjectListAll, SignOffDocument, UserList},
		domain.RoleBusinessAnalyst: {ProjectCreate, ProjectListAll, DocumentSubmit, SignOffBreakdown, UserList},
		domain.RoleTeamLead:        {ProjectListVisible, BreakdownHLBSubmit, DeveloperAssign, UserList},
		domain.RoleDeveloper:       {ProjectListAssigned, BreakdownWBSSubmit},
		domain.RoleSuperAdmin:      {ProjectListAll, UserList, RoleManage},
	})
}

func build(table map[domain.Role][]Capability) Policy {
	p := Policy{}
	for _, r := range domain.Roles {
		p[r] = map[Capability]bool{}
	}
	for r, caps := range table {
		for _, c := range caps {
			p[r][c] = true
		}
	}
	return p
}

// PolicyFromConfig starts from the default table and replaces the capability set of
// every role listed in roles.
func PolicyFromConfig(roles map[string]config.RBACRole) (Policy, error) {
	p := DefaultPolicy()
	for name, role := range roles {
		r, err := ParseRole(name)
		if err != nil {
			return nil, err
		}
		caps := map[Capability]bool{}
		for _, perm := range role.Permissions {
			c := Capability(perm)
			if !known(c) {
				return nil, fmt.Errorf("role %s: unknown permission %s", name, perm)
			}
			caps[c] = true
		}
		p[r] = caps
	}
	return p, nil
}

func known(c Capability) bool {
	for _, k := range Capabilities {
		if k == c {
			return true
		}
	}
	return false
}

// ParseRole maps a stored role string onto the closed role set.
func ParseRole(s string) (domain.Role, error) {
	for _, r := range domain.Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (p Policy) Can(role domain.Role, c Capability) bool {
	return p[role][c]
}

// Require returns ForbiddenError unless role holds c.
func (p Policy) Require(role domain.Role, c Capability) error {
	if p.Can(role, c) {
		return nil
	}
	return ForbiddenError{Role: role, Permission: c}
}

// RequireSignOff checks the type-dependent sign-off rule: breakdowns need
// SignOffBreakdown, every other document type needs SignOffDocument.
func (p Policy) RequireSignOff(role domain.Role, docType string) error {
	if p.Can(role, SignOffCapability(docType)) {
		return nil
	}
	return ForbiddenSignOffError{Role: role, Type: docType}
}

// ActorCapabilities lists the capabilities of role in sorted order.
func (p Policy) ActorCapabilities(role domain.Role) []string {
	out := make([]string, 0, len(p[role]))
	for c, ok := range p[role] {
		if ok {
			out = append(out, string(c))
		}
	}
	sort.Strings(out)
	return out
}

func SignOffCapability(docType string) Capability {
	if domain.IsBreakdownType(docType) {
		return SignOffBreakdown
	}
	return SignOffDocument
}

func BreakdownCapability(kind string) Capability {
	if kind == domain.DocTypeWBS {
		return BreakdownWBSSubmit
	}
	return BreakdownHLBSubmit
}
