// Package auth resolves the calling tenant and actor. Routing and header
// handling live in outer layers; the core only consumes the resolved
// Principal carried in the request context.
package auth

import (
	"context"
	"errors"

	"github.com/relieflane/caseledger/pkg/ledger"
)

// Principal identifies the authenticated caller.
type Principal struct {
	ID       string
	TenantID string
	Kind     ledger.ActorKind
	Roles    []string
}

// Actor converts the principal into the ledger actor shape, with the
// authority proof asserting why the actor may act.
func (p Principal) Actor(authorityProof string) ledger.Actor {
	userID := p.ID
	if p.Kind == ledger.ActorSystem {
		userID = ""
	}
	return ledger.Actor{
		Kind:           p.Kind,
		UserID:         userID,
		AuthorityProof: authorityProof,
	}
}

// HasRole reports whether the principal carries the role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// ErrNoPrincipal is returned when the context carries no principal.
var ErrNoPrincipal = errors.New("no principal in context")

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// GetPrincipal extracts the principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	if !ok {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}
