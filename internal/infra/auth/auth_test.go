package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/agentgate/internal/domain"
	"go.uber.org/zap"
)

func signHS(t *testing.T, secret string, claims *domain.CustomClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func claimsFor(userID string, ttl time.Duration) *domain.CustomClaims {
	return &domain.CustomClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestHMACValidator(t *testing.T) {
	v := NewHMACValidator([]byte("secret"))

	claims, err := v.VerifyToken("Bearer " + signHS(t, "secret", claimsFor("u1", time.Hour)))
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if claims.UserID != "u1" {
		t.Fatalf("UserID = %q", claims.UserID)
	}

	if _, err := v.VerifyToken(signHS(t, "other", claimsFor("u1", time.Hour))); err == nil {
		t.Fatal("expected signature error")
	}
	if _, err := v.VerifyToken(signHS(t, "secret", claimsFor("u1", -time.Minute))); err == nil {
		t.Fatal("expected expiry error")
	}
	if _, err := v.VerifyToken(signHS(t, "secret", claimsFor("", time.Hour))); err == nil {
		t.Fatal("expected missing user id error")
	}
}

func TestSubjectFallback(t *testing.T) {
	v := NewHMACValidator([]byte("secret"))
	c := claimsFor("", time.Hour)
	c.Subject = "sub-1"
	claims, err := v.VerifyToken(signHS(t, "secret", c))
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if claims.UserID != "sub-1" {
		t.Fatalf("UserID = %q", claims.UserID)
	}
}

func TestRSAValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := ParseRSAPublicKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	if err != nil {
		t.Fatalf("ParseRSAPublicKey() error = %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claimsFor("u9", time.Hour)).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	v := NewBaseValidator(pub)
	claims, err := v.VerifyToken(token)
	if err != nil || claims.UserID != "u9" {
		t.Fatalf("VerifyToken() = %v, %v", claims, err)
	}

	// HS256 не должен приниматься валидатором без секрета
	if _, err := v.VerifyToken(signHS(t, "secret", claimsFor("u9", time.Hour))); err == nil {
		t.Fatal("expected alg confusion to be rejected")
	}

	if _, err := ParseRSAPublicKey(nil); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestAuthenticator(t *testing.T) {
	a := NewAuthenticator(NewHMACValidator([]byte("secret")), zap.NewNop())
	token := signHS(t, "secret", claimsFor("u1", time.Hour))

	r := httptest.NewRequest("GET", "/agent/status", nil)
	if _, err := a.Authenticate(r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	r.Header.Set("Authorization", "Bearer "+token)
	id, err := a.Authenticate(r)
	if err != nil || id.UserID != "u1" {
		t.Fatalf("Authenticate() = %v, %v", id, err)
	}

	r = httptest.NewRequest("GET", "/agent/status?access_token="+token, nil)
	if _, err := a.Authenticate(r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatal("query token must only be accepted on websocket upgrades")
	}
	r.Header.Set("Upgrade", "websocket")
	if id, err := a.Authenticate(r); err != nil || id.UserID != "u1" {
		t.Fatalf("Authenticate() upgrade = %v, %v", id, err)
	}

	r = httptest.NewRequest("GET", "/agent/status", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	if _, err := a.Authenticate(r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
