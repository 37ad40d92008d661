package authx

import (
	"context"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	auth := AuthContext{Subject: "user-1", Email: "a@example.edu", Department: "Engineering"}
	ctx := WithAuth(context.Background(), auth)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatalf("expected auth in context")
	}
	if got.Subject != "user-1" || got.Department != "Engineering" {
		t.Fatalf("unexpected auth: %#v", got)
	}

	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no auth in empty context")
	}
}

func TestNewJWTVerifierRequiresIssuerAndAudience(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 300, 60); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
	if _, err := NewJWTVerifier("https://id.example.edu", "", "", 300, 60); err == nil {
		t.Fatalf("expected error for missing audience")
	}
	if _, err := NewJWTVerifier("https://id.example.edu", "rootsense", "", 300, 60); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseDepartment(t *testing.T) {
	if got := parseDepartment(map[string]any{"department": " Science "}); got != "Science" {
		t.Fatalf("unexpected department: %q", got)
	}
	if got := parseDepartment(map[string]any{"dept": "Arts"}); got != "Arts" {
		t.Fatalf("unexpected department: %q", got)
	}
	if got := parseDepartment(map[string]any{"org_unit": []any{"", "Administration"}}); got != "Administration" {
		t.Fatalf("unexpected department: %q", got)
	}
	if got := parseDepartment(map[string]any{}); got != "" {
		t.Fatalf("expected empty department, got %q", got)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v, err := NewJWTVerifier("https://id.example.edu", "rootsense", "https://id.example.edu/jwks.json", 300, 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.Verify(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty token")
	}
	if _, err := v.Verify(context.Background(), "not-a-jwt"); err == nil {
		t.Fatalf("expected error for malformed token")
	}
}
