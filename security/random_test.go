package security

import (
	"strings"
	"testing"
)

func TestGenerateToken_Length(t *testing.T) {
	// 32 bytes of entropy encode to 43 base64url characters.
	tok := GenerateToken(32)
	if len(tok) != 43 {
		t.Errorf("len(GenerateToken(32)) = %d, want 43", len(tok))
	}
	if strings.ContainsAny(tok, "+/=") {
		t.Errorf("token %q contains non-base64url characters", tok)
	}
}

func TestGenerateToken_DefaultsOnInvalidSize(t *testing.T) {
	if tok := GenerateToken(0); len(tok) != 43 {
		t.Errorf("GenerateToken(0) length = %d, want default 43", len(tok))
	}
}

func TestGenerateToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := GenerateToken(32)
		if seen[tok] {
			t.Fatalf("duplicate token generated: %q", tok)
		}
		seen[tok] = true
	}
}

func TestConstantTimeEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"abc", "abcd", false},
		{"", "", true},
		{"", "a", false},
	}
	for _, tt := range tests {
		if got := ConstantTimeEqual(tt.a, tt.b); got != tt.want {
			t.Errorf("ConstantTimeEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
