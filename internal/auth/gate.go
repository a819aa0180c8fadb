// Package auth resolves bearer credentials to a caller identity. The
// authentication subsystem itself is external; the service only needs
// the Gate contract, with a static token registry as the built-in
// implementation.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/vaultline/escrow/internal/domain"
)

// Role is the account-level role. Buyer/seller are per-transaction
// relationships, not account roles, so only admin is distinguished.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is the resolved caller identity attached to every engine
// call. No ambient state: the boundary resolves it once per request.
type Principal struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Gate validates a bearer credential and resolves the caller.
type Gate interface {
	Resolve(token string) (Principal, error)
}

// StaticGate resolves tokens against a fixed registry, typically loaded
// from the config file.
type StaticGate struct {
	principals map[string]Principal
}

var _ Gate = (*StaticGate)(nil)

func NewStaticGate(tokens map[string]Principal) *StaticGate {
	g := &StaticGate{principals: make(map[string]Principal, len(tokens))}
	for token, p := range tokens {
		p.Email = strings.ToLower(p.Email)
		if p.Role == "" {
			p.Role = RoleUser
		}
		g.principals[token] = p
	}
	return g
}

func (g *StaticGate) Resolve(token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized)
	}
	// Compare against every registered token in constant time per
	// candidate so a miss costs the same as a near-miss.
	for candidate, p := range g.principals {
		if len(candidate) == len(token) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return p, nil
		}
	}
	return Principal{}, fmt.Errorf("%w: unknown bearer token", domain.ErrUnauthorized)
}
