package jwt

import (
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("alice", "", "secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Operator != "alice" || claims.Role != RoleOperator || !claims.CanMutate() {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := GenerateToken("bob", RoleViewer, "secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "other"); err == nil {
		t.Fatal("expected signature failure")
	}
	expired, err := GenerateToken("bob", RoleViewer, "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(expired, "secret"); err == nil {
		t.Fatal("expected expiry failure")
	}
	if _, err := GenerateToken(" ", RoleViewer, "secret", time.Hour); err == nil {
		t.Fatal("expected operator validation")
	}
}
