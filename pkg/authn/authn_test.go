package authn

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestBearerFromHeader(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc123", "abc123", false},
		{"Bearer   ", "", true},
		{"", "", true},
		{"Basic abc123", "", true},
	}

	for _, c := range cases {
		got, err := BearerFromHeader(c.header)
		if c.wantErr {
			if err == nil {
				t.Errorf("BearerFromHeader(%q): expected error", c.header)
			}
			continue
		}
		if err != nil {
			t.Errorf("BearerFromHeader(%q): unexpected error: %v", c.header, err)
		}
		if got != c.want {
			t.Errorf("BearerFromHeader(%q) = %q, want %q", c.header, got, c.want)
		}
	}
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	token, err := v.Issue("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	userID, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("Verify() = %q, want %q", userID, "user-1")
	}
}

func TestJWTVerifier_WrongSecretRejected(t *testing.T) {
	issuer := NewJWTVerifier("secret-a")
	verifier := NewJWTVerifier("secret-b")

	token, err := issuer.Issue("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := verifier.Verify(context.Background(), token); err == nil {
		t.Error("expected verification with a different secret to fail")
	}
}

func TestJWTVerifier_ExpiredTokenRejected(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	// Issue treats ttl<=0 as "no expiry", so sign an already-expired token
	// directly.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}}).SignedString(v.secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.Verify(context.Background(), token); err == nil {
		t.Error("expected verification of an expired token to fail")
	}
}

func TestStaticVerifier(t *testing.T) {
	var v StaticVerifier

	if _, err := v.Verify(context.Background(), ""); err == nil {
		t.Error("expected empty token to be rejected")
	}

	userID, err := v.Verify(context.Background(), "tenant-42")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "tenant-42" {
		t.Errorf("Verify() = %q, want %q", userID, "tenant-42")
	}
}
