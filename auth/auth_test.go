package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestVerifierParseValidToken(t *testing.T) {
	secret := []byte("super-secret")
	v := NewVerifier(secret)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "admin",
	}
	raw := signToken(t, secret, claims)

	got, err := v.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Role != "admin" {
		t.Errorf("expected role admin, got %q", got.Role)
	}
}

func TestVerifierRejectsWrongSecret(t *testing.T) {
	v := NewVerifier([]byte("secret-a"))
	raw := signToken(t, []byte("secret-b"), Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})

	if _, err := v.Parse(raw); err == nil {
		t.Fatal("expected an error for a token signed with the wrong secret")
	}
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	secret := []byte("secret")
	v := NewVerifier(secret)
	raw := signToken(t, secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	})

	if _, err := v.Parse(raw); err == nil {
		t.Fatal("expected an error for an expired token")
	}
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	v := NewVerifier([]byte("secret"))
	called := false
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if called {
		t.Error("handler must not run without a bearer token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewarePassesValidToken(t *testing.T) {
	secret := []byte("secret")
	v := NewVerifier(secret)
	raw := signToken(t, secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})

	called := false
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("expected handler to run with a valid token")
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(hash, "hunter2") {
		t.Error("expected matching password to verify")
	}
	if CheckPassword(hash, "wrong") {
		t.Error("expected mismatched password to fail")
	}
}
