package auth

import (
	"context"
	"strings"
)

// Principal is who a request acts for. The zero value is the anonymous caller.
type Principal struct {
	ID    string `json:"id"`
	Realm string `json:"realm,omitempty"`
}

func (p Principal) Anonymous() bool { return strings.TrimSpace(p.ID) == "" }

// credentials is what an authenticated request carries: the verified principal and the raw
// bearer token it was verified from, kept so outbound calls can act as the same caller.
type credentials struct {
	principal *Principal
	token     string
}

type credentialsKey struct{}

func credentialsFrom(ctx context.Context) credentials {
	if ctx == nil {
		return credentials{}
	}
	c, _ := ctx.Value(credentialsKey{}).(credentials)
	return c
}

func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	c := credentialsFrom(ctx)
	c.principal = &principal
	return context.WithValue(ctx, credentialsKey{}, c)
}

// PrincipalFromContext reports the principal attached by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	c := credentialsFrom(ctx)
	if c.principal == nil {
		return Principal{}, false
	}
	return *c.principal, true
}

// Caller is the principal in ctx, or the anonymous caller.
func Caller(ctx context.Context) Principal {
	p, _ := PrincipalFromContext(ctx)
	return p
}

// ContextWithToken stores the raw bearer token; an empty token leaves ctx unchanged.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	c := credentialsFrom(ctx)
	c.token = token
	return context.WithValue(ctx, credentialsKey{}, c)
}

func TokenFromContext(ctx context.Context) (string, bool) {
	c := credentialsFrom(ctx)
	return c.token, c.token != ""
}
