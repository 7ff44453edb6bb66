// Package auth verifies the JWT bearer tokens issued by the external
// login service; token issuance itself is someone else's job. It also
// provides bcrypt helpers to hash and check passwords; the admin API's
// first-run /register gate does not use them, it only asks the store
// whether any user exists.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Claims is the shape of the tokens the login collaborator issues.
// stamon only ever parses and verifies these; it never signs one.
type Claims struct {
	jwt.RegisteredClaims
	SessionID uuid.UUID `json:"sid"`
	Role      string    `json:"role"`
}

// Verifier checks bearer tokens against a shared HS256 secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier over the process JWT secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Parse validates signature, expiry and algorithm, and returns the
// claims on success.
func (v *Verifier) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(expiryLeeway))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: token not valid")
	}
	return claims, nil
}

// bearerToken extracts the token from an "Authorization: Bearer ..."
// header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

// Middleware rejects requests without a valid bearer token, and
// otherwise passes the request through unmodified. It does not attach
// claims to the request context: the admin API surface stamon
// implements is single-tenant and does not branch on role or session
// identity beyond "is this caller authenticated".
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := v.Parse(raw); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether plain matches the stored bcrypt hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// expiryLeeway bounds clock skew tolerance when validating exp/nbf;
// kept here rather than inline so tests can reference it.
const expiryLeeway = 30 * time.Second
