// Package auth models document roles and resolves connecting actors.
//
// Authentication itself is an external collaborator; this package only
// defines the role lattice and a Resolver seam. StaticResolver maps bearer
// tokens from config to actors and is enough for a single deployment.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Role is an actor's access level on one document.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// ParseRole parses a role name, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleOwner, RoleEditor, RoleViewer:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q (want owner, editor or viewer)", s)
}

// CanEdit reports whether the role may mutate cells.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// CanView reports whether the role may join a document.
func (r Role) CanView() bool {
	return r.CanEdit() || r == RoleViewer
}

// ACL maps actor IDs to their role on a document.
type ACL map[string]Role

// RoleOf returns the actor's role, or "" when the actor has none.
func (a ACL) RoleOf(actorID string) Role {
	return a[actorID]
}

// Clone returns an independent copy.
func (a ACL) Clone() ACL {
	out := make(ACL, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Actor is an authenticated participant.
type Actor struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// ErrUnauthenticated is returned when a credential maps to no actor.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver turns a bearer credential into an actor.
type Resolver interface {
	Resolve(token string) (Actor, error)
}

// StaticResolver resolves tokens from a fixed table.
type StaticResolver struct {
	tokens map[string]Actor
}

// NewStaticResolver builds a resolver from token → actor pairs.
func NewStaticResolver(tokens map[string]Actor) *StaticResolver {
	m := make(map[string]Actor, len(tokens))
	for tok, actor := range tokens {
		if actor.Name == "" {
			actor.Name = actor.ID
		}
		m[tok] = actor
	}
	return &StaticResolver{tokens: m}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(token string) (Actor, error) {
	if token == "" {
		return Actor{}, ErrUnauthenticated
	}
	actor, ok := r.tokens[token]
	if !ok {
		return Actor{}, ErrUnauthenticated
	}
	return actor, nil
}
