package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignerGenerateAndValidate(t *testing.T) {
	s, err := NewSigner("test-secret", WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, err := s.GenerateToken("5d1c7d3e-0c4f-4b43-9a55-1b7a0d1f2e11", "qazna", 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := s.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "5d1c7d3e-0c4f-4b43-9a55-1b7a0d1f2e11" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if p := claims.Principal(); p.Realm != "qazna" || p.Anonymous() {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestSignerRejects(t *testing.T) {
	s, err := NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	other, err := NewSigner("another-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	foreign, err := other.GenerateToken("user-1", "", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	past := time.Now().Add(-2 * time.Hour)
	old, err := NewSigner("test-secret", WithClock(func() time.Time { return past }))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	expired, err := old.GenerateToken("user-1", "", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: defaultIssuer}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": foreign,
		"expired":      expired,
		"alg none":     unsigned,
		"wrong issuer": mustSign(t, "test-secret", "elsewhere"),
	} {
		if _, err := s.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func mustSign(t *testing.T, secret, issuer string) string {
	t.Helper()
	s, err := NewSigner(secret, WithIssuer(issuer))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, err := s.GenerateToken("user-1", "", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner("  "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestGenerateTokenValidatesInput(t *testing.T) {
	s, err := NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if _, err := s.GenerateToken("", "", time.Minute); err == nil {
		t.Fatal("expected error for empty principal")
	}
	if _, err := s.GenerateToken("user-1", "", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("unexpected principal in empty context")
	}
	ctx = ContextWithPrincipal(ctx, Principal{ID: "user-7", Realm: "qazna"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.ID != "user-7" || p.Realm != "qazna" {
		t.Fatalf("unexpected principal: %+v, ok=%v", p, ok)
	}
	if !(Principal{}).Anonymous() {
		t.Fatal("zero principal should be anonymous")
	}

	if _, ok := TokenFromContext(ctx); ok {
		t.Fatal("unexpected token")
	}
	ctx = ContextWithToken(ctx, "abc")
	if tok, ok := TokenFromContext(ctx); !ok || tok != "abc" {
		t.Fatalf("unexpected token: %q", tok)
	}
	if Caller(ctx).ID != "user-7" {
		t.Fatal("token should not replace the principal")
	}
	if !Caller(context.Background()).Anonymous() {
		t.Fatal("empty context should yield the anonymous caller")
	}
}
