package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"
)

type Role string

const (
	RoleCandidate Role = "candidate"
	RoleSupport   Role = "support"
)

// Identity is the principal resolved for a connection. It is attached once
// at connect time and never changes for the lifetime of the connection.
type Identity struct {
	ID         string
	Collection string
	Role       Role
}

// Claims mirrors the CMS-issued JWT payload. Older tokens carry a
// `collection` discriminant, newer ones a `roles` slug array; both shapes
// circulate, so normalization has to accept either.
type Claims struct {
	UserID     string   `json:"id"`
	Collection string   `json:"collection,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	Email      string   `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Identity adapts the raw claims into the canonical identity shape. All
// role-representation branching happens here, not in the pipeline.
func (c *Claims) Identity() Identity {
	return Identity{
		ID:         c.UserID,
		Collection: c.Collection,
		Role:       deriveRole(c.Collection, c.Roles),
	}
}

func deriveRole(collection string, roles []string) Role {
	if collection == "candidates" {
		return RoleCandidate
	}
	if lo.Contains(roles, string(RoleCandidate)) {
		return RoleCandidate
	}
	return RoleSupport
}
