package auth

import (
	"sort"
	"strings"
)

const (
	ScopeLibraryRead   = "library:read"
	ScopeLibraryCreate = "library:create"
	ScopeLibraryEdit   = "library:edit"
	ScopeLibraryDelete = "library:delete"
	ScopeBulletinRead  = "bulletin:read"
	ScopeBulletinWrite = "bulletin:write"
	RoleAdmin          = "admin"
)

// DefaultRoles are granted to every newly registered account.
var DefaultRoles = []string{
	ScopeLibraryRead,
	ScopeLibraryCreate,
	ScopeLibraryEdit,
	ScopeBulletinRead,
	ScopeBulletinWrite,
}

var knownRoles = NewScopeSet(
	ScopeLibraryRead, ScopeLibraryCreate, ScopeLibraryEdit, ScopeLibraryDelete,
	ScopeBulletinRead, ScopeBulletinWrite, RoleAdmin,
)

// KnownRole reports whether role belongs to the platform vocabulary.
func KnownRole(role string) bool { return knownRoles.Has(role) }

// ScopeSet is an unordered set of scope (or role) names.
type ScopeSet map[string]struct{}

// NewScopeSet normalizes and deduplicates scopes.
func NewScopeSet(scopes ...string) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	return set
}

func (s ScopeSet) Has(scope string) bool {
	_, ok := s[strings.TrimSpace(strings.ToLower(scope))]
	return ok
}

func (s ScopeSet) Len() int { return len(s) }

// Intersect returns the scopes present in both sets.
func (s ScopeSet) Intersect(other ScopeSet) ScopeSet {
	out := make(ScopeSet)
	for k := range s {
		if _, ok := other[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// SubsetOf reports whether every scope in s is also in other.
func (s ScopeSet) SubsetOf(other ScopeSet) bool {
	for k := range s {
		if _, ok := other[k]; !ok {
			return false
		}
	}
	return true
}

// Difference returns the sorted scopes in s that are not in other.
func (s ScopeSet) Difference(other ScopeSet) []string {
	var out []string
	for k := range s {
		if _, ok := other[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (s ScopeSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
