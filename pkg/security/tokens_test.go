package security

import (
	"testing"
	"time"
)

func TestIssueAndValidateToken(t *testing.T) {
	tm, err := NewTokenManager("test-signing-secret")
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}

	token, err := tm.IssueToken("user-1", false, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	identity, err := tm.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if identity.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", identity.UserID)
	}
	if identity.Admin {
		t.Error("expected non-admin identity")
	}
}

func TestValidateAdminToken(t *testing.T) {
	tm, _ := NewTokenManager("test-signing-secret")

	token, err := tm.IssueToken("admin-1", true, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	identity, err := tm.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if !identity.Admin {
		t.Error("expected admin identity")
	}
}

func TestValidateTokenRejections(t *testing.T) {
	tm, _ := NewTokenManager("test-signing-secret")
	other, _ := NewTokenManager("different-secret")

	expired, err := tm.IssueToken("user-1", false, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	foreign, err := other.IssueToken("user-1", false, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "expired token", token: expired},
		{name: "wrong signing secret", token: foreign},
		{name: "garbage token", token: "not.a.jwt"},
		{name: "empty token", token: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tm.ValidateToken(tt.token); err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}

func TestNewTokenManagerRequiresSecret(t *testing.T) {
	if _, err := NewTokenManager(""); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestBootstrapTokenLifecycle(t *testing.T) {
	bm := NewBootstrapManager()

	bt, err := bm.GenerateToken(time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if len(bt.Token) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(bt.Token))
	}

	if err := bm.ClaimToken(bt.Token); err != nil {
		t.Errorf("first claim failed: %v", err)
	}

	// One-time use
	if err := bm.ClaimToken(bt.Token); err == nil {
		t.Error("expected second claim to fail")
	}
}

func TestBootstrapTokenExpiry(t *testing.T) {
	bm := NewBootstrapManager()

	bt, err := bm.GenerateToken(-time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	if err := bm.ClaimToken(bt.Token); err == nil {
		t.Error("expected expired token claim to fail")
	}

	if err := bm.ClaimToken("0000"); err == nil {
		t.Error("expected unknown token claim to fail")
	}
}
