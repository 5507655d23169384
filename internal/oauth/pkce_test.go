package oauth

import "testing"

func TestS256Challenge_rfcVector(t *testing.T) {
	// RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := S256Challenge(verifier); got != want {
		t.Fatalf("challenge = %s, want %s", got, want)
	}
}

func TestVerifyS256(t *testing.T) {
	verifier := "some-high-entropy-verifier-value-0123456789"
	challenge := S256Challenge(verifier)
	if !VerifyS256(verifier, challenge) {
		t.Fatal("matching verifier rejected")
	}
	if VerifyS256("wrong", challenge) {
		t.Fatal("wrong verifier accepted")
	}
	if VerifyS256(verifier, "") {
		t.Fatal("empty challenge accepted")
	}
}
