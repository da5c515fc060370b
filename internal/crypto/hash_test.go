package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{name: "client secret", password: "secret"},
		{name: "special characters", password: "p@ssw0rd!#$%^&*()"},
		{name: "longer than bcrypt limit", password: strings.Repeat("x", 73), wantErr: true},
		{name: "empty", password: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if hash == tt.password {
				t.Error("hash should not equal the plain text")
			}
			if !strings.HasPrefix(hash, "$2") {
				t.Errorf("expected bcrypt hash, got %q", hash)
			}
		})
	}
}

func TestVerifyPassword(t *testing.T) {
	validHash, err := HashPassword("password")
	if err != nil {
		t.Fatalf("failed to generate test hash: %v", err)
	}

	tests := []struct {
		name     string
		hash     string
		password string
		wantErr  error
	}{
		{name: "matching password", hash: validHash, password: "password"},
		{name: "wrong password", hash: validHash, password: "Password", wantErr: ErrMismatch},
		{name: "empty password", hash: validHash, password: "", wantErr: ErrEmptyPassword},
		{name: "empty hash", hash: "", password: "password", wantErr: ErrEmptyHash},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPassword(tt.hash, tt.password)

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	if err := VerifyPassword("not_a_valid_bcrypt_hash", "password"); err == nil {
		t.Error("expected error for malformed hash")
	}
}

func TestNewHandle(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		h, err := NewHandle()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// 32 bytes of entropy encode to 43 unpadded base64url characters.
		if len(h) != 43 {
			t.Errorf("expected 43 characters, got %d", len(h))
		}
		if strings.ContainsAny(h, "+/=") {
			t.Errorf("handle %q is not base64url", h)
		}
		if seen[h] {
			t.Fatalf("duplicate handle %q", h)
		}
		seen[h] = true
	}
}

func TestHashHandle(t *testing.T) {
	// SHA-256 of the empty string.
	if got := HashHandle(""); got != "47DEQpj8HBSa-_TImW-5JCeuQeRkm5NMpJWZG3hSuFU" {
		t.Errorf("unexpected digest %q", got)
	}
	if HashHandle("a") == HashHandle("b") {
		t.Error("distinct handles must hash differently")
	}
	if HashHandle("code") != HashHandle("code") {
		t.Error("hashing must be deterministic")
	}
}
