package auth

import (
	"errors"
	"testing"
	"time"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer ABC123", "ABC123"},
		{"BEARER xyz", "xyz"},
		{"Basic abc", ""},
		{"abc", ""},
		{"", ""},
	}

	for _, tt := range tests {
		got := ExtractBearerToken(tt.header)
		if got != tt.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestTokenService(t *testing.T) {
	ts, err := NewTokenService([]byte("test-secret"), 15*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenService failed: %v", err)
	}

	t.Run("GenerateAndValidate", func(t *testing.T) {
		token, err := ts.Generate("ops", []string{ScopeRebuild})
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}

		claims, err := ts.Validate(token)
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if claims.Subject != "ops" {
			t.Errorf("Subject = %s, want ops", claims.Subject)
		}
		if claims.Issuer != Issuer {
			t.Errorf("Issuer = %s, want %s", claims.Issuer, Issuer)
		}
		if !claims.HasScope(ScopeRebuild) {
			t.Errorf("Scopes = %v, want %s", claims.Scopes, ScopeRebuild)
		}
		if claims.HasScope("admin") {
			t.Error("unexpected admin scope")
		}
	})

	t.Run("InvalidToken", func(t *testing.T) {
		_, err := ts.Validate("invalid-token")
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want %v", err, ErrInvalidToken)
		}
	})

	t.Run("OtherKey", func(t *testing.T) {
		other, err := NewTokenService([]byte("other-secret"), time.Minute)
		if err != nil {
			t.Fatalf("NewTokenService failed: %v", err)
		}
		token, err := other.Generate("ops", []string{ScopeRebuild})
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if _, err := ts.Validate(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want %v", err, ErrInvalidToken)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		stale, err := NewTokenService([]byte("test-secret"), -time.Minute)
		if err != nil {
			t.Fatalf("NewTokenService failed: %v", err)
		}
		token, err := stale.Generate("ops", []string{ScopeRebuild})
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if _, err := ts.Validate(token); !errors.Is(err, ErrTokenExpired) {
			t.Errorf("err = %v, want %v", err, ErrTokenExpired)
		}
	})
}

func TestNewTokenServiceRejectsEmptyKey(t *testing.T) {
	if _, err := NewTokenService(nil, time.Minute); !errors.Is(err, ErrNoSigningKey) {
		t.Errorf("err = %v, want %v", err, ErrNoSigningKey)
	}
}
