package users

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSessionIssuer_roundTrip(t *testing.T) {
	issuer := NewSessionIssuer([]byte("test-signing-secret"), "https://bridge.example.com", time.Hour)
	u := &User{ID: uuid.New(), Email: "alice@example.com"}

	tok, err := issuer.Issue(u)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != u.ID.String() || claims.Email != u.Email {
		t.Fatalf("claims = %+v, want user %s", claims, u.ID)
	}
}

func TestSessionIssuer_rejectsWrongSecret(t *testing.T) {
	a := NewSessionIssuer([]byte("secret-a"), "https://bridge.example.com", time.Hour)
	b := NewSessionIssuer([]byte("secret-b"), "https://bridge.example.com", time.Hour)

	tok, err := a.Issue(&User{ID: uuid.New(), Email: "x@example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Verify(tok); err == nil {
		t.Fatal("a token signed with another secret must not verify")
	}
}

func TestSessionIssuer_stateTokenIsNotASession(t *testing.T) {
	issuer := NewSessionIssuer([]byte("test-signing-secret"), "https://bridge.example.com", time.Hour)

	state, err := issuer.IssueOAuthState("github")
	if err != nil {
		t.Fatalf("IssueOAuthState: %v", err)
	}
	if _, err := issuer.Verify(state); err == nil {
		t.Fatal("oauth state tokens must not pass session verification")
	}

	provider, err := issuer.VerifyOAuthState(state)
	if err != nil {
		t.Fatalf("VerifyOAuthState: %v", err)
	}
	if provider != "github" {
		t.Fatalf("provider = %q, want github", provider)
	}
}
