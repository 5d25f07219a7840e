// Package auth authenticates creditlock API callers and carries their identity through the request context.
package auth

import "github.com/Mindburn-Labs/creditlock/pkg/review"

// Authentication methods recorded on a Principal.
const (
	MethodAPIKey = "api_key"
	MethodJWT    = "jwt"
)

// Principal is the authenticated caller of a request.
type Principal interface {
	GetID() string
	GetName() string
	GetRole() review.Role
	GetMethod() string
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID     string
	Name   string
	Role   review.Role
	Method string
}

func (b *BasePrincipal) GetID() string { return b.ID }

func (b *BasePrincipal) GetName() string {
	if b.Name == "" {
		return b.ID
	}
	return b.Name
}

func (b *BasePrincipal) GetRole() review.Role { return b.Role }

func (b *BasePrincipal) GetMethod() string { return b.Method }

// KeyGrant is what an API key entitles its holder to.
type KeyGrant struct {
	Name string
	Role review.Role
}
