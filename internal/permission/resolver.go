// Package permission maps marketplace roles to resource:action permissions.
package permission

import (
	"sort"
	"strings"
)

const Wildcard = "*"

// Table is the static role -> permission configuration.
type Table map[string][]string

// DefaultTable returns the marketplace role table. The superuser role is not
// listed; the resolver grants it everything without a lookup.
func DefaultTable() Table {
	return Table{
		"moderator": {
			"properties:read",
			"properties:moderate",
			"inquiries:read",
			"users:read",
			"leads:read",
		},
		"agent": {
			"properties:*",
			"leads:*",
			"inquiries:read",
			"inquiries:reply",
		},
		"user": {
			"properties:read",
			"properties:create",
			"favorites:*",
			"inquiries:create",
		},
	}
}

type Resolver struct {
	superuser string
	roles     map[string]map[string]struct{}
}

func NewResolver(superuserRole string, table Table) *Resolver {
	roles := make(map[string]map[string]struct{}, len(table))
	for role, perms := range table {
		set := make(map[string]struct{}, len(perms))
		for _, perm := range perms {
			perm = normalize(perm)
			if perm == "" {
				continue
			}
			set[perm] = struct{}{}
		}
		roles[normalize(role)] = set
	}

	return &Resolver{superuser: normalize(superuserRole), roles: roles}
}

func (r *Resolver) IsSuperuser(role string) bool {
	return r.superuser != "" && normalize(role) == r.superuser
}

// HasPermission reports whether role holds perm directly, through its
// resource wildcard, or through the global wildcard.
func (r *Resolver) HasPermission(role string, perm string) bool {
	if r.IsSuperuser(role) {
		return true
	}

	perm = normalize(perm)
	if perm == "" {
		return false
	}

	set, ok := r.roles[normalize(role)]
	if !ok {
		return false
	}

	if _, ok := set[Wildcard]; ok {
		return true
	}
	if _, ok := set[perm]; ok {
		return true
	}

	resource, _, found := strings.Cut(perm, ":")
	if !found || resource == "" {
		return false
	}
	_, ok = set[resource+":"+Wildcard]
	return ok
}

func (r *Resolver) HasAnyPermission(role string, perms ...string) bool {
	for _, perm := range perms {
		if r.HasPermission(role, perm) {
			return true
		}
	}
	return false
}

func (r *Resolver) HasAllPermissions(role string, perms ...string) bool {
	for _, perm := range perms {
		if !r.HasPermission(role, perm) {
			return false
		}
	}
	return true
}

// Permissions lists the role's configured permissions, sorted.
func (r *Resolver) Permissions(role string) []string {
	if r.IsSuperuser(role) {
		return []string{Wildcard}
	}

	set := r.roles[normalize(role)]
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)

	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
