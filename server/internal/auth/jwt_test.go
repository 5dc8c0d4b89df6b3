package auth

import (
	"testing"
	"time"
)

func TestIssueAndValidateRoundTrips(t *testing.T) {
	ti := NewTokenIssuer([]byte("test-secret"), time.Minute)
	token, err := ti.Issue(42, "sess-1", "jti-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := ti.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != 42 || claims.SessionID != "sess-1" || claims.JTI != "jti-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	ti := NewTokenIssuer([]byte("test-secret"), -time.Minute)
	token, err := ti.Issue(1, "sess-1", "jti-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := ti.Validate(token); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for an expired token, got %v", err)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret-a"), time.Minute)
	token, err := issuer.Issue(1, "sess-1", "jti-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := NewTokenIssuer([]byte("secret-b"), time.Minute)
	if _, err := other.Validate(token); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for a token signed with a different secret, got %v", err)
	}
}

func TestParseAuthorizationHeader(t *testing.T) {
	cases := []struct {
		header     string
		wantScheme Scheme
		wantToken  string
	}{
		{"Bearer abc.def.ghi", SchemeBearer, "abc.def.ghi"},
		{"Bot botkey123", SchemeBot, "botkey123"},
		{"Basic dXNlcjpwYXNz", SchemeNone, ""},
		{"", SchemeNone, ""},
	}
	for _, c := range cases {
		scheme, token := ParseAuthorizationHeader(c.header)
		if scheme != c.wantScheme || token != c.wantToken {
			t.Fatalf("ParseAuthorizationHeader(%q) = (%v, %q), want (%v, %q)", c.header, scheme, token, c.wantScheme, c.wantToken)
		}
	}
}

func TestHashBotTokenIsDeterministicAndDistinct(t *testing.T) {
	a := HashBotToken("token-a")
	b := HashBotToken("token-a")
	c := HashBotToken("token-b")
	if a != b {
		t.Fatalf("expected hashing the same token twice to match")
	}
	if a == c {
		t.Fatalf("expected different tokens to hash differently")
	}
}
