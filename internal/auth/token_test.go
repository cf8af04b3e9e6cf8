// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and host secrets

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func TestNewJWTVerifier_WeakSecret(t *testing.T) {
	if _, err := NewJWTVerifier([]byte("short")); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}

	token, err := verifier.Generate(3, 17, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	caller, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if caller.AccountID != 3 || caller.UserID != 17 {
		t.Errorf("Verify() = %+v, want account 3 user 17", caller)
	}
	if caller.Admin {
		t.Error("Verify() must not grant admin rights")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier, _ := NewJWTVerifier(testSecret)

	signed := func(claims jwt.MapClaims) string {
		token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		return token
	}

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name: "wrong secret",
			token: func() string {
				other, _ := NewJWTVerifier([]byte("a-different-secret-of-32-bytes!!"))
				token, _ := other.Generate(1, 1, time.Hour)
				return token
			}(),
		},
		{
			name:  "missing sub",
			token: signed(jwt.MapClaims{"acct": 1}),
		},
		{
			name:  "non-numeric sub",
			token: signed(jwt.MapClaims{"sub": "alice", "acct": 1}),
		},
		{
			name:  "missing acct",
			token: signed(jwt.MapClaims{"sub": "1"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller, err := verifier.Verify(tt.token)
			if err == nil {
				t.Fatalf("Verify() = %+v, want error", caller)
			}
			if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrMissingClaim) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken or ErrMissingClaim", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier, _ := NewJWTVerifier(testSecret)

	token, err := verifier.Generate(1, 1, -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestHostSecret(t *testing.T) {
	hash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	if hash == "s3cret" {
		t.Fatal("HashSecret() returned the plain secret")
	}

	if err := CheckSecret(hash, "s3cret"); err != nil {
		t.Errorf("CheckSecret() error = %v", err)
	}
	if err := CheckSecret(hash, "wrong"); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("CheckSecret(wrong) error = %v, want ErrInvalidSecret", err)
	}
	if err := CheckSecret("", "s3cret"); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("CheckSecret(no hash) error = %v, want ErrInvalidSecret", err)
	}
	if _, err := HashSecret(""); err == nil {
		t.Error("HashSecret(\"\") should fail")
	}
}
